package contextx

import (
	"context"
	"maps"
)

type contextKey string

const (
	AuthPrincipalIDKey   contextKey = "helix.auth_principal_id"   // sub (who)
	AuthPrincipalTypeKey contextKey = "helix.auth_principal_type" // user | service | system

	TraceIDKey    contextKey = "helix.trace_id"
	RequestIDKey  contextKey = "helix.request_id"
	EntryPointKey contextKey = "helix.entry_point" // http | grpc | cron | consumer

	AuditReasonKey contextKey = "helix.audit_reason"

	// accessorsKey holds the caller-supplied accessor values consulted before the entity.
	accessorsKey contextKey = "helix.audit_accessors"
)

func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey, "untriaged") }
func WithTraceID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, TraceIDKey, v)
}

func GetRequestID(ctx context.Context) string { return getString(ctx, RequestIDKey, "") }
func WithRequestID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, RequestIDKey, v)
}

func GetEntryPoint(ctx context.Context) string { return getString(ctx, EntryPointKey, "unknown") }
func WithEntryPoint(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, EntryPointKey, v)
}

func GetAuthPrincipalID(ctx context.Context) string { return getString(ctx, AuthPrincipalIDKey, "") }
func WithAuthPrincipalID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, AuthPrincipalIDKey, v)
}

func GetAuthPrincipalType(ctx context.Context) string {
	return getString(ctx, AuthPrincipalTypeKey, "")
}
func WithAuthPrincipalType(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, AuthPrincipalTypeKey, v)
}

func GetAuditReason(ctx context.Context) string { return getString(ctx, AuditReasonKey, "") }
func WithAuditReason(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, AuditReasonKey, v)
}

// WithAccessor binds a value to an accessor name (e.g. "current_user") for the
// rest of the unit of work. The set is copied, so parents are never mutated.
func WithAccessor(ctx context.Context, name string, v any) context.Context {
	next := maps.Clone(accessors(ctx))
	if next == nil {
		next = map[string]any{}
	}
	next[name] = v
	return context.WithValue(ctx, accessorsKey, next)
}

// Accessor returns the value bound to name, if any.
func Accessor(ctx context.Context, name string) (any, bool) {
	v, ok := accessors(ctx)[name]
	return v, ok
}

func accessors(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	if m, ok := ctx.Value(accessorsKey).(map[string]any); ok {
		return m
	}
	return nil
}

func getString(ctx context.Context, key contextKey, fallback string) string {
	if ctx == nil {
		return fallback
	}
	if val, ok := ctx.Value(key).(string); ok {
		return val
	}
	return fallback
}
