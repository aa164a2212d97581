package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/godamri/helix-auditer/pkg/contextx"
)

// OTelHandler wraps a slog.Handler. It stamps trace and request correlation
// ids on every record and copies warnings and errors onto the active span.
type OTelHandler struct {
	slog.Handler
}

func NewOTelHandler(h slog.Handler) *OTelHandler {
	return &OTelHandler{Handler: h}
}

func (h *OTelHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := contextx.GetRequestID(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if reason := contextx.GetAuditReason(ctx); reason != "" {
		r.AddAttrs(slog.String("audit_reason", reason))
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		sc := span.SpanContext()
		if sc.HasTraceID() {
			r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
		}
		if sc.HasSpanID() {
			r.AddAttrs(slog.String("span_id", sc.SpanID().String()))
		}
		if r.Level >= slog.LevelWarn {
			enrichSpan(span, r)
		}
	}

	return h.Handler.Handle(ctx, r)
}

// enrichSpan records errors as span errors and warnings as span events.
func enrichSpan(span trace.Span, r slog.Record) {
	attrs := make([]attribute.KeyValue, 0, r.NumAttrs())
	var errFound error

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, toAttribute(a))
		if e, ok := a.Value.Any().(error); ok && a.Key == "error" {
			errFound = e
		}
		return true
	})

	if r.Level >= slog.LevelError {
		if errFound == nil {
			errFound = errors.New(r.Message)
		}
		span.RecordError(errFound, trace.WithAttributes(attrs...))
		span.SetStatus(codes.Error, r.Message)
		return
	}
	span.AddEvent("log_warning", trace.WithAttributes(
		append(attrs, attribute.String("message", r.Message))...,
	))
}

// toAttribute maps slog kinds to OTel types without formatting through strings where possible.
func toAttribute(a slog.Attr) attribute.KeyValue {
	switch a.Value.Kind() {
	case slog.KindString:
		return attribute.String(a.Key, a.Value.String())
	case slog.KindInt64:
		return attribute.Int64(a.Key, a.Value.Int64())
	case slog.KindUint64:
		return attribute.Int64(a.Key, int64(a.Value.Uint64()))
	case slog.KindFloat64:
		return attribute.Float64(a.Key, a.Value.Float64())
	case slog.KindBool:
		return attribute.Bool(a.Key, a.Value.Bool())
	}
	return attribute.String(a.Key, a.Value.String())
}

func (h *OTelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &OTelHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *OTelHandler) WithGroup(name string) slog.Handler {
	return &OTelHandler{Handler: h.Handler.WithGroup(name)}
}
