package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	_ "github.com/jackc/pgx/v5/stdlib" // Explicitly register pgx driver
	_ "modernc.org/sqlite"             // Registers the "sqlite" driver
)

// Config holds standard database configuration.
// It is the service's responsibility to load these values.
type Config struct {
	// Driver is "pgx" (Postgres) or "sqlite".
	Driver          string        `envconfig:"DB_DRIVER" default:"pgx" yaml:"driver" validate:"oneof=pgx postgres sqlite"`
	DSN             string        `envconfig:"DB_DSN" yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25" yaml:"max_open_conns"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"15m" yaml:"conn_max_lifetime"`
}

// Dialect returns the SQL dialect matching the configured driver.
func (c Config) Dialect() Dialect {
	if c.Driver == "sqlite" {
		return SQLite
	}
	return Postgres
}

// Open connects with the configured driver.
func Open(ctx context.Context, cfg Config, serviceName string) (*sql.DB, error) {
	if cfg.Dialect() == SQLite {
		return NewSQLite(ctx, cfg, serviceName)
	}
	return NewPostgres(ctx, cfg, serviceName)
}

// NewPostgres initializes a *sql.DB with OpenTelemetry instrumentation and connection pooling.
// It returns a standard *sql.DB compatible with any stdlib pattern.
func NewPostgres(ctx context.Context, cfg Config, serviceName string) (*sql.DB, error) {
	// Every SQL query emits a tracing span.
	db, err := otelsql.Open("pgx", cfg.DSN,
		otelsql.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		otelsql.WithDBName("postgres"),
	)
	if err != nil {
		return nil, fmt.Errorf("helix-auditer/database: failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := ping(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

// NewSQLite opens an embedded database. SQLite allows one writer at a time, so
// the pool is pinned to a single connection and writers queue in database/sql
// instead of failing with SQLITE_BUSY.
func NewSQLite(ctx context.Context, cfg Config, serviceName string) (*sql.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := otelsql.Open("sqlite", dsn,
		otelsql.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
		otelsql.WithDBName("sqlite"),
	)
	if err != nil {
		return nil, fmt.Errorf("helix-auditer/database: failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	// An in-memory database lives only as long as its connection.
	db.SetConnMaxLifetime(0)

	if err := ping(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

// ping fails fast if the database is unreachable during startup.
func ping(ctx context.Context, db *sql.DB) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("helix-auditer/database: failed to ping database: %w", err)
	}
	return nil
}
