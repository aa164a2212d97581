package middleware

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/godamri/helix-auditer/http/response"
)

// AuthPayload decouples the strategy from the transport (HTTP/gRPC).
type AuthPayload struct {
	Headers    map[string]string
	RemoteAddr string
	Method     string
	Path       string
}

// AuthStrategy establishes the calling principal. Implementations store it
// with contextx.WithAuthPrincipalID and contextx.WithAuthPrincipalType.
type AuthStrategy interface {
	Authenticate(ctx context.Context, payload AuthPayload) (context.Context, error)
}

type AuthMiddleware struct {
	strategy AuthStrategy
}

func NewAuthMiddleware(strategy AuthStrategy) *AuthMiddleware {
	return &AuthMiddleware{
		strategy: strategy,
	}
}

// HTTPMiddleware adapts an HTTP request to AuthPayload.
func (m *AuthMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := m.strategy.Authenticate(r.Context(), httpPayload(r))
		if err != nil {
			response.ErrorJSON(w, r, response.ErrUnauthenticated, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GRPCUnaryInterceptor adapts gRPC metadata to AuthPayload.
func (m *AuthMiddleware) GRPCUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if _, ok := metadata.FromIncomingContext(ctx); !ok {
		return nil, status.Error(codes.Unauthenticated, "metadata is not provided")
	}

	newCtx, err := m.strategy.Authenticate(ctx, grpcPayload(ctx, info))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return handler(newCtx, req)
}

func httpPayload(r *http.Request) AuthPayload {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[http.CanonicalHeaderKey(k)] = v[0]
		}
	}
	return AuthPayload{
		Headers:    headers,
		RemoteAddr: r.RemoteAddr,
		Method:     r.Method,
		Path:       r.URL.Path,
	}
}

func grpcPayload(ctx context.Context, info *grpc.UnaryServerInfo) AuthPayload {
	md, _ := metadata.FromIncomingContext(ctx)
	headers := make(map[string]string, len(md))
	for k, v := range md {
		if len(v) > 0 {
			// gRPC metadata keys are always lowercase
			headers[http.CanonicalHeaderKey(k)] = v[0]
		}
	}

	remoteAddr := "0.0.0.0:0"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remoteAddr = p.Addr.String()
	}

	return AuthPayload{
		Headers:    headers,
		RemoteAddr: remoteAddr,
		Method:     info.FullMethod,
		Path:       info.FullMethod,
	}
}

// GetHeader returns a header value, matching the key case-insensitively.
func (p *AuthPayload) GetHeader(key string) string {
	if v, ok := p.Headers[key]; ok {
		return v
	}
	if v, ok := p.Headers[http.CanonicalHeaderKey(key)]; ok {
		return v
	}
	for k, v := range p.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
