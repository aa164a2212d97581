package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	// Addr enables the history cache when set.
	Addr     string `envconfig:"REDIS_ADDR" yaml:"addr"`
	Password string `envconfig:"REDIS_PASSWORD" default:"" yaml:"password"`
	DB       int    `envconfig:"REDIS_DB" default:"0" yaml:"db"`

	// TTL bounds how long a cached lookup may lag a write made outside this cache.
	TTL       time.Duration `envconfig:"REDIS_CACHE_TTL" default:"5m" yaml:"ttl"`
	KeyPrefix string        `envconfig:"REDIS_KEY_PREFIX" default:"audit" yaml:"key_prefix"`
}

// NewRedis initializes a traced Redis client and performs a fail-fast ping.
func NewRedis(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	rdb.AddHook(newTracingHook())

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return rdb, nil
}

// tracingHook opens a client span per command, but only inside an already
// recording trace so background traffic does not create orphan spans.
type tracingHook struct {
	tracer trace.Tracer
}

func newTracingHook() *tracingHook {
	return &tracingHook{tracer: otel.Tracer("helix-auditer/cache/redis")}
}

func (h *tracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if !trace.SpanFromContext(ctx).IsRecording() {
			return next(ctx, cmd)
		}
		ctx, span := h.start(ctx, "redis.command", cmd.Name(), cmd.String())
		defer span.End()
		return finish(span, next(ctx, cmd))
	}
}

func (h *tracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if !trace.SpanFromContext(ctx).IsRecording() {
			return next(ctx, cmds)
		}
		ctx, span := h.start(ctx, "redis.pipeline", "pipeline", fmt.Sprintf("pipeline:%d_cmds", len(cmds)),
			attribute.Int("db.redis.pipeline_length", len(cmds)))
		defer span.End()
		return finish(span, next(ctx, cmds))
	}
}

func (h *tracingHook) start(ctx context.Context, name, op, statement string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := append([]attribute.KeyValue{
		attribute.String("db.system", "redis"),
		attribute.String("db.operation", op),
		attribute.String("db.statement", statement),
	}, extra...)
	return h.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// finish marks the span failed unless err is nil or a plain cache miss.
func finish(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
