package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/godamri/helix-auditer/audit"
	"github.com/godamri/helix-auditer/pkg/contextx"
)

// ReasonHeader lets callers state why they are making a change.
const ReasonHeader = "X-Audit-Reason"

// AuditContext binds the caller tier of the audit resolver for the rest of
// the request: the authenticated principal under the current-user accessor
// and request metadata under the additional-info accessor.
// It must run after the auth middleware.
type AuditContext struct {
	userAccessor string
	infoAccessor string
	logger       *slog.Logger
}

func NewAuditContext(cfg audit.Config, logger *slog.Logger) *AuditContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditContext{
		userAccessor: cfg.CurrentUserAccessor,
		infoAccessor: cfg.AdditionalInfoAccessor,
		logger:       logger,
	}
}

type requestMeta struct {
	requestID string
	ip        string
	userAgent string
	method    string
	reason    string
	// path is read at capture time so chi has finished matching the route.
	path func() string
}

func (a *AuditContext) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.RouteContext(r.Context())
		urlPath := r.URL.Path

		meta := requestMeta{
			requestID: firstNonEmpty(contextx.GetRequestID(r.Context()), r.Header.Get(RequestHeader)),
			ip:        hostOf(r.RemoteAddr),
			userAgent: r.UserAgent(),
			method:    r.Method,
			reason:    r.Header.Get(ReasonHeader),
			path: func() string {
				if rctx != nil {
					if p := rctx.RoutePattern(); p != "" {
						return p
					}
				}
				return urlPath
			},
		}

		next.ServeHTTP(w, r.WithContext(a.bind(r.Context(), meta)))
	})
}

func (a *AuditContext) GRPCUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}

	meta := requestMeta{
		requestID: firstNonEmpty(contextx.GetRequestID(ctx), get("x-request-id")),
		userAgent: get("user-agent"),
		method:    "GRPC",
		reason:    get("x-audit-reason"),
		path:      func() string { return info.FullMethod },
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		meta.ip = hostOf(p.Addr.String())
	}

	ctx = contextx.WithEntryPoint(ctx, "grpc")
	return handler(a.bind(ctx, meta), req)
}

func (a *AuditContext) bind(ctx context.Context, meta requestMeta) context.Context {
	if meta.requestID == "" {
		meta.requestID = uuid.NewString()
	}
	ctx = contextx.WithRequestID(ctx, meta.requestID)
	if meta.reason != "" {
		ctx = contextx.WithAuditReason(ctx, meta.reason)
	}

	if actor, ok := a.actor(ctx); ok && a.userAccessor != "" {
		ctx = contextx.WithAccessor(ctx, a.userAccessor, actor)
	}

	if a.infoAccessor != "" {
		ctx = contextx.WithAccessor(ctx, a.infoAccessor, audit.AccessorFunc(func(context.Context, audit.Entity) any {
			return meta.info()
		}))
	}
	return ctx
}

// actor converts the authenticated principal into a Ref. Principals whose id
// is not numeric cannot be stored as a modifier and are left to the entity tier.
func (a *AuditContext) actor(ctx context.Context) (audit.Ref, bool) {
	rawID := contextx.GetAuthPrincipalID(ctx)
	if rawID == "" {
		return audit.Ref{}, false
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		a.logger.DebugContext(ctx, "principal id is not numeric, actor not bound", "principal_id", rawID)
		return audit.Ref{}, false
	}
	typ := contextx.GetAuthPrincipalType(ctx)
	if typ == "" {
		typ = "User"
	}
	return audit.Ref{Type: typ, ID: id}, true
}

func (m requestMeta) info() map[string]any {
	info := map[string]any{"request_id": m.requestID}
	for k, v := range map[string]string{
		"ip":         m.ip,
		"user_agent": m.userAgent,
		"method":     m.method,
		"path":       m.path(),
		"reason":     m.reason,
	} {
		if v != "" {
			info[k] = v
		}
	}
	return info
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
