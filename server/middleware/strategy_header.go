package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/godamri/helix-auditer/pkg/contextx"
)

// TrustedHeaderStrategy trusts identity headers set by a gateway, but only
// on connections coming from a configured proxy range.
type TrustedHeaderStrategy struct {
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger

	headerUserID   string
	headerUserType string
	defaultType    string
}

type TrustedHeaderConfig struct {
	TrustedProxies []string `envconfig:"AUTH_TRUSTED_PROXIES" yaml:"trusted_proxies"` // e.g. ["127.0.0.1/32", "10.0.0.0/8"]
	HeaderUserID   string   `envconfig:"AUTH_HEADER_USER_ID" default:"X-Helix-User-ID" yaml:"header_user_id"`
	HeaderUserType string   `envconfig:"AUTH_HEADER_USER_TYPE" default:"X-Helix-User-Type" yaml:"header_user_type"`
	DefaultType    string   `envconfig:"AUTH_DEFAULT_USER_TYPE" default:"User" yaml:"default_user_type"`
}

func NewTrustedHeaderStrategy(cfg TrustedHeaderConfig, logger *slog.Logger) (*TrustedHeaderStrategy, error) {
	if len(cfg.TrustedProxies) == 0 {
		return nil, errors.New("security_risk: trusted_proxies list cannot be empty in gateway mode")
	}

	cidrs := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
	for _, cidr := range cfg.TrustedProxies {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid cidr configuration: %s", cidr)
			}
			bits := 8 * len(ip.To16())
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		cidrs = append(cidrs, ipNet)
	}

	if cfg.HeaderUserID == "" {
		cfg.HeaderUserID = "X-Helix-User-ID"
	}
	if cfg.HeaderUserType == "" {
		cfg.HeaderUserType = "X-Helix-User-Type"
	}
	if cfg.DefaultType == "" {
		cfg.DefaultType = "User"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &TrustedHeaderStrategy{
		trustedCIDRs:   cidrs,
		logger:         logger,
		headerUserID:   cfg.HeaderUserID,
		headerUserType: cfg.HeaderUserType,
		defaultType:    cfg.DefaultType,
	}, nil
}

func (s *TrustedHeaderStrategy) Authenticate(ctx context.Context, payload AuthPayload) (context.Context, error) {
	host, _, err := net.SplitHostPort(payload.RemoteAddr)
	if err != nil {
		s.logger.WarnContext(ctx, "auth rejected: failed to parse remote addr", "addr", payload.RemoteAddr)
		return nil, errors.New("unauthorized gateway connection")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.New("invalid remote ip")
	}
	if !s.trusted(ip) {
		s.logger.WarnContext(ctx, "untrusted source attempted to set identity headers",
			"ip", host,
			"path", payload.Path,
		)
		return nil, errors.New("forbidden: untrusted source")
	}

	userID := payload.GetHeader(s.headerUserID)
	if userID == "" {
		return nil, errors.New("missing identity header")
	}
	userType := payload.GetHeader(s.headerUserType)
	if userType == "" {
		userType = s.defaultType
	}

	ctx = contextx.WithAuthPrincipalID(ctx, userID)
	ctx = contextx.WithAuthPrincipalType(ctx, userType)
	return ctx, nil
}

func (s *TrustedHeaderStrategy) trusted(ip net.IP) bool {
	for _, cidr := range s.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
