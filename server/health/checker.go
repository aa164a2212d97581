package health

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/godamri/helix-auditer/http/response"
)

const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// Checker reports whether the audit store and its cache are reachable.
type Checker struct {
	db      *sql.DB
	rdb     redis.UniversalClient
	logger  *slog.Logger
	timeout time.Duration
}

// NewChecker builds a checker. rdb may be nil when the history cache is off.
func NewChecker(db *sql.DB, rdb redis.UniversalClient, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		db:      db,
		rdb:     rdb,
		logger:  logger,
		timeout: 200 * time.Millisecond,
	}
}

// RegisterRoutes mounts liveness and readiness probes on the host's router.
func (c *Checker) RegisterRoutes(r chi.Router) {
	r.Get("/health", c.HandleHealth)
	r.Get("/ready", c.HandleReadiness)
}

// HandleHealth answers the liveness probe.
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, map[string]string{"status": StatusUp})
}

// Check pings each dependency. A slow dependency counts as down.
func (c *Checker) Check(ctx context.Context) (map[string]string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	report := map[string]string{"db": StatusUp}
	ok := true

	if err := c.db.PingContext(ctx); err != nil {
		c.logger.ErrorContext(ctx, "readiness check failed: database unreachable or slow", "error", err)
		report["db"] = StatusDown
		ok = false
	}
	if c.rdb != nil {
		report["cache"] = StatusUp
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			// The store still serves reads without the cache.
			c.logger.WarnContext(ctx, "readiness check: cache unreachable", "error", err)
			report["cache"] = StatusDown
		}
	}

	report["status"] = StatusUp
	if !ok {
		report["status"] = StatusDown
	}
	return report, ok
}

// HandleReadiness answers the readiness probe.
func (c *Checker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	report, ok := c.Check(r.Context())
	if !ok {
		response.ErrorJSON(w, r, response.ErrServiceUnavail, "database unreachable")
		return
	}
	response.JSON(w, r, http.StatusOK, report)
}
