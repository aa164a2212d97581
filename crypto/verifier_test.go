package crypto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hmacToken(t *testing.T, secret []byte, claims ActorClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func validClaims(sub string) ActorClaims {
	return ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "helix",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestHMACVerifier(t *testing.T) {
	secret := []byte("s3cret")
	v, err := NewHMACVerifier(secret, "helix")
	require.NoError(t, err)

	claims := validClaims("42")
	claims.ActorType = "Admin"
	got, err := v.VerifyToken(context.Background(), hmacToken(t, secret, claims))
	require.NoError(t, err)
	assert.Equal(t, "42", got.Subject)
	assert.Equal(t, "Admin", got.GetActorType())
	assert.Empty(t, got.GetRoles())

	t.Run("expired", func(t *testing.T) {
		c := validClaims("42")
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := v.VerifyToken(context.Background(), hmacToken(t, secret, c))
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := validClaims("42")
		c.Issuer = "other"
		_, err := v.VerifyToken(context.Background(), hmacToken(t, secret, c))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.VerifyToken(context.Background(), hmacToken(t, []byte("nope"), validClaims("42")))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		_, err := v.VerifyToken(context.Background(), hmacToken(t, secret, validClaims("")))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.VerifyToken(context.Background(), "not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	_, err = NewHMACVerifier(nil, "")
	assert.Error(t, err)
}

func TestActorClaims_Defaults(t *testing.T) {
	var c ActorClaims
	assert.Equal(t, DefaultActorType, c.GetActorType())
	assert.Equal(t, []string{}, c.GetRoles())
}

type jwksServer struct {
	*httptest.Server
	hits atomic.Int32
	keys atomic.Value // []jsonWebKey
}

func newJWKSServer(t *testing.T) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.keys.Store([]jsonWebKey{})
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		_ = json.NewEncoder(w).Encode(jwks{Keys: s.keys.Load().([]jsonWebKey)})
	}))
	t.Cleanup(s.Close)
	return s
}

func publicJWK(kid string, key *rsa.PublicKey) jsonWebKey {
	return jsonWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func rsaToken(t *testing.T, key *rsa.PrivateKey, kid string, claims ActorClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestCachingClient(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := newJWKSServer(t)
	srv.keys.Store([]jsonWebKey{publicJWK("k1", &key1.PublicKey), {Kty: "EC", Use: "sig", Kid: "ec"}})

	ctx := context.Background()
	c, err := NewJWKSCachingClient(ctx, JWKSConfig{URL: srv.URL, Issuer: "helix"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.hits.Load())

	got, err := c.VerifyToken(ctx, rsaToken(t, key1, "k1", validClaims("7")))
	require.NoError(t, err)
	assert.Equal(t, "7", got.Subject)
	assert.Equal(t, int32(1), srv.hits.Load(), "known kid is served from cache")

	// Rotation: an unknown kid triggers one refresh.
	srv.keys.Store([]jsonWebKey{publicJWK("k2", &key2.PublicKey)})
	_, err = c.VerifyToken(ctx, rsaToken(t, key2, "k2", validClaims("8")))
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())

	_, err = c.VerifyToken(ctx, rsaToken(t, key1, "gone", validClaims("7")))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = c.VerifyToken(ctx, hmacToken(t, []byte("x"), validClaims("7")))
	assert.ErrorIs(t, err, ErrInvalidToken, "HMAC tokens are rejected")
}

func TestNewJWKSCachingClient_Errors(t *testing.T) {
	_, err := NewJWKSCachingClient(context.Background(), JWKSConfig{}, nil)
	assert.Error(t, err)

	srv := newJWKSServer(t)
	_, err = NewJWKSCachingClient(context.Background(), JWKSConfig{URL: srv.URL, Issuer: "helix"}, nil)
	assert.ErrorContains(t, err, "zero valid RSA")
}
