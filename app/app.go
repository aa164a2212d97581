package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/godamri/helix-auditer/audit"
	"github.com/godamri/helix-auditer/cache"
	"github.com/godamri/helix-auditer/config"
	"github.com/godamri/helix-auditer/crypto"
	"github.com/godamri/helix-auditer/database"
	"github.com/godamri/helix-auditer/log"
	"github.com/godamri/helix-auditer/server/health"
	"github.com/godamri/helix-auditer/server/middleware"
)

// Stack is the wired audit engine of one process: database, store, optional
// cache and sinks, the auditor and its request middleware.
type Stack struct {
	Config  *config.Container[Config]
	Logger  *slog.Logger
	DB      *sql.DB
	Redis   *redis.Client
	Store   *database.Store
	Auditor *audit.Auditor
	Health  *health.Checker

	auth    *middleware.AuthMiddleware
	jwks    *crypto.CachingClient
	loader  *config.Loader[Config]
	closers []func() error
}

type options struct {
	logWriter  io.Writer
	sinkWriter io.Writer
	loader     *config.Loader[Config]
	auditor    []audit.AuditorOption
}

type Option func(*options)

// WithLogWriter sends logs to w instead of stdout.
func WithLogWriter(w io.Writer) Option {
	return func(o *options) { o.logWriter = w }
}

// WithSinkWriter sets where the JSON-lines sink writes. Defaults to stdout.
func WithSinkWriter(w io.Writer) Option {
	return func(o *options) { o.sinkWriter = w }
}

// WithReloader lets Run re-read configuration through loader when its file changes.
func WithReloader(loader *config.Loader[Config]) Option {
	return func(o *options) { o.loader = loader }
}

// WithAuditorOptions forwards options to audit.New.
func WithAuditorOptions(opts ...audit.AuditorOption) Option {
	return func(o *options) { o.auditor = append(o.auditor, opts...) }
}

// New opens every dependency named by cfg. On error, whatever was opened is closed.
func New(ctx context.Context, cfg Config, opts ...Option) (_ *Stack, err error) {
	o := options{logWriter: os.Stdout, sinkWriter: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Stack{
		Config: config.NewContainer(cfg),
		Logger: log.NewWithWriter(cfg.Log, o.logWriter),
		loader: o.loader,
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.DB, err = database.Open(ctx, cfg.Database, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.DB.Close)

	s.Store, err = database.NewStore(s.DB, cfg.Database.Dialect(), cfg.Audit.RecordType)
	if err != nil {
		return nil, err
	}
	if err = s.Store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("app: ensure audit schema: %w", err)
	}

	var store audit.Store = s.Store
	if cfg.Redis.Addr != "" {
		s.Redis, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.Redis.Close)
		store = cache.NewHistoryCache(store, s.Redis, cfg.Redis, s.Logger)
	}

	auditorOpts := []audit.AuditorOption{audit.WithLogger(s.Logger)}
	if cfg.Sink.JSONLines {
		sink := audit.NewAsyncSink(o.sinkWriter, cfg.Sink, s.Logger)
		s.closers = append(s.closers, sink.Close)
		auditorOpts = append(auditorOpts, audit.WithSink(sink))
	}
	if len(cfg.Sink.KafkaBrokers) > 0 {
		sink, kerr := audit.NewKafkaSink(cfg.Sink.KafkaBrokers, cfg.Sink.KafkaTopic, s.Logger)
		if kerr != nil {
			return nil, kerr
		}
		s.closers = append(s.closers, sink.Close)
		auditorOpts = append(auditorOpts, audit.WithSink(sink))
	}

	s.Auditor, err = audit.New(cfg.Audit, store, append(auditorOpts, o.auditor...)...)
	if err != nil {
		return nil, err
	}

	if err = s.buildAuth(ctx, cfg.Auth); err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	if s.Redis != nil {
		rdb = s.Redis
	}
	s.Health = health.NewChecker(s.DB, rdb, s.Logger)

	s.Config.OnChange(s.applyConfig)

	s.Logger.InfoContext(ctx, "audit stack ready",
		"driver", cfg.Database.Driver,
		"table", s.Store.Table(),
		"cache", s.Redis != nil,
		"auth", cfg.Auth.Mode,
	)
	return s, nil
}

func (s *Stack) buildAuth(ctx context.Context, cfg AuthConfig) error {
	switch cfg.Mode {
	case AuthHeader:
		strategy, err := middleware.NewTrustedHeaderStrategy(cfg.Header, s.Logger)
		if err != nil {
			return err
		}
		s.auth = middleware.NewAuthMiddleware(strategy)
	case AuthJWT:
		var verifier crypto.Verifier
		if cfg.JWTSecret != "" {
			v, err := crypto.NewHMACVerifier([]byte(cfg.JWTSecret), cfg.JWKS.Issuer)
			if err != nil {
				return err
			}
			verifier = v
		} else {
			client, err := crypto.NewJWKSCachingClient(ctx, cfg.JWKS, s.Logger)
			if err != nil {
				return err
			}
			s.jwks = client
			verifier = client
		}
		s.auth = middleware.NewAuthMiddleware(middleware.NewJWTStrategy(verifier, s.Logger))
	}
	return nil
}

// applyConfig carries the settings that may change at runtime onto the live auditor.
func (s *Stack) applyConfig(prev, next *Config) {
	if prev.Audit.Enabled != next.Audit.Enabled {
		s.Auditor.SetEnabled(next.Audit.Enabled)
		s.Logger.Info("audit capture toggled", "enabled", next.Audit.Enabled)
	}
}

// Middleware wraps an HTTP handler so captures made while serving it see the
// request's actor and metadata.
func (s *Stack) Middleware(next http.Handler) http.Handler {
	h := middleware.NewAuditContext(s.Config.Get().Audit, s.Logger).HTTPMiddleware(next)
	if s.auth != nil {
		h = s.auth.HTTPMiddleware(h)
	}
	return middleware.TraceIDMiddleware(h)
}

// InTx runs fn inside one database transaction. Captures made through the
// auditor passed to fn join the transaction and become visible, in the cache
// too, once it commits. The transaction rolls back when fn fails.
func (s *Stack) InTx(ctx context.Context, fn func(tx *sql.Tx, a *audit.Auditor) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("app: begin transaction: %w", err)
	}

	a := s.Auditor.WithStore(s.Store.WithTx(tx))
	if err := fn(tx, a); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.Logger.ErrorContext(ctx, "transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("app: commit transaction: %w", err)
	}
	a.Committed(ctx)
	return nil
}

// Run drives background work (config reload, key refresh) until ctx is done.
func (s *Stack) Run(ctx context.Context) {
	done := make(chan struct{})
	running := 0

	if s.jwks != nil {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			s.jwks.Run(ctx, s.Config.Get().Auth.JWKS.RefreshInterval)
		}()
	}
	if s.loader != nil && s.loader.Path() != "" {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			w := config.NewFileWatcher(s.loader.Path(), s.Config.Get().ConfigWatchInterval, s.Logger)
			config.WatchInto(ctx, w, s.loader, s.Config)
		}()
	}

	<-ctx.Done()
	for range running {
		<-done
	}
}

// Close releases resources in reverse order of acquisition. Sinks are
// flushed before the database closes.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
