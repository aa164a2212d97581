package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/godamri/helix-auditer/crypto"
	"github.com/godamri/helix-auditer/pkg/contextx"
)

// JWTStrategy authenticates bearer tokens. The subject becomes the principal
// id and the actor_type claim its type.
type JWTStrategy struct {
	verifier crypto.Verifier
	logger   *slog.Logger
}

func NewJWTStrategy(verifier crypto.Verifier, logger *slog.Logger) *JWTStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTStrategy{
		verifier: verifier,
		logger:   logger,
	}
}

func (s *JWTStrategy) Authenticate(ctx context.Context, payload AuthPayload) (context.Context, error) {
	authHeader := payload.GetHeader("Authorization")
	if authHeader == "" {
		return nil, errors.New("missing authorization header")
	}

	scheme, tokenStr, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
		return nil, errors.New("invalid authorization header format")
	}

	claims, err := s.verifier.VerifyToken(ctx, tokenStr)
	if err != nil {
		s.logger.WarnContext(ctx, "jwt verification failed", "error", err, "ip", payload.RemoteAddr)
		if errors.Is(err, crypto.ErrExpiredToken) {
			return nil, errors.New("token expired")
		}
		return nil, errors.New("invalid token")
	}

	ctx = contextx.WithAuthPrincipalID(ctx, claims.Subject)
	ctx = contextx.WithAuthPrincipalType(ctx, claims.GetActorType())
	return ctx, nil
}
