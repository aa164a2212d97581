package crypto

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwks struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSConfig points the caching client at an identity provider.
type JWKSConfig struct {
	URL             string        `envconfig:"AUTH_JWKS_URL" yaml:"jwks_url" validate:"omitempty,url"`
	Issuer          string        `envconfig:"AUTH_JWT_ISSUER" yaml:"issuer"`
	RefreshInterval time.Duration `envconfig:"AUTH_JWKS_REFRESH" default:"15m" yaml:"refresh_interval"`
}

// CachingClient verifies RS256 tokens against a periodically refreshed key set.
type CachingClient struct {
	jwksURL string
	issuer  string
	cache   map[string]*rsa.PublicKey
	mu      sync.RWMutex
	log     *slog.Logger
	client  *http.Client
}

// NewJWKSCachingClient fetches the key set once and fails if it is unusable.
// Call Run to keep it fresh.
func NewJWKSCachingClient(ctx context.Context, cfg JWKSConfig, logger *slog.Logger) (*CachingClient, error) {
	if cfg.URL == "" || cfg.Issuer == "" {
		return nil, errors.New("jwks client: URL and Issuer are mandatory")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &CachingClient{
		jwksURL: cfg.URL,
		issuer:  cfg.Issuer,
		cache:   make(map[string]*rsa.PublicKey),
		log:     logger.With("component", "jwks_client"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}

	if err := c.refreshKeys(ctx); err != nil {
		return nil, fmt.Errorf("jwks client: initial key fetch: %w", err)
	}
	return c, nil
}

// Run refreshes the key set every interval until ctx is done.
// A failed refresh keeps the previous keys.
func (c *CachingClient) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info("jwks refresher started", "interval", interval.String(), "url", c.jwksURL)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := c.refreshKeys(refreshCtx); err != nil {
				c.log.Error("jwks refresh failed, using old keys", "error", err)
			}
			cancel()
		}
	}
}

func (c *CachingClient) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode JWKS response: %w", err)
	}

	next := make(map[string]*rsa.PublicKey)
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || jwk.Use != "sig" || jwk.Kid == "" {
			c.log.Warn("skipping unusable jwk", "kid", jwk.Kid, "kty", jwk.Kty)
			continue
		}
		key, err := jwk.toRSAPublicKey()
		if err != nil {
			c.log.Error("failed to convert jwk", "kid", jwk.Kid, "error", err)
			continue
		}
		next[jwk.Kid] = key
	}

	if len(next) == 0 {
		return errors.New("JWKS response contains zero valid RSA signing keys")
	}

	c.mu.Lock()
	c.cache = next
	c.mu.Unlock()
	return nil
}

func (j *jsonWebKey) toRSAPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus (n): %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent (e): %w", err)
	}
	if len(eBytes) == 0 {
		return nil, errors.New("invalid exponent (e): empty bytes")
	}

	e := 0
	for _, b := range eBytes {
		e = (e << 8) | int(b)
	}
	if e == 0 {
		return nil, errors.New("invalid exponent (e): value is zero")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

// VerifyToken looks the signing key up by kid, refreshing once on a miss.
func (c *CachingClient) VerifyToken(ctx context.Context, tokenString string) (*ActorClaims, error) {
	return parseClaims(tokenString, c.issuer, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid in header")
		}
		return c.key(ctx, kid)
	})
}

func (c *CachingClient) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, found := c.cache[kid]
	c.mu.RUnlock()
	if found {
		return key, nil
	}

	c.log.WarnContext(ctx, "unknown kid, refreshing keys", "kid", kid)
	if err := c.refreshKeys(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	key, found = c.cache[kid]
	c.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}
