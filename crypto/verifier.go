package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("crypto: invalid token")
	ErrExpiredToken = errors.New("crypto: token expired")
)

// Verifier checks a bearer token and returns its claims.
type Verifier interface {
	VerifyToken(ctx context.Context, tokenString string) (*ActorClaims, error)
}

// HMACVerifier verifies HS256/HS384/HS512 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
}

func NewHMACVerifier(secret []byte, issuer string) (*HMACVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("hmac verifier: secret is mandatory")
	}
	return &HMACVerifier{secret: secret, issuer: issuer}, nil
}

func (v *HMACVerifier) VerifyToken(_ context.Context, tokenString string) (*ActorClaims, error) {
	return parseClaims(tokenString, v.issuer, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
}

// parseClaims validates signature, expiry and (when set) issuer.
func parseClaims(tokenString, issuer string, keyFunc jwt.Keyfunc) (*ActorClaims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &ActorClaims{}, keyFunc, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
