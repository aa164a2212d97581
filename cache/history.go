package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/godamri/helix-auditer/audit"
)

// HistoryCache is a cache-aside decorator for an audit.Store. It caches the
// hot lookups (HasHistory and the latest record of a scope) and drops the
// latest-record entry whenever this process appends to the scope, directly or
// through a transaction bound with BindTx. Redis failures degrade to the
// wrapped store; they never fail a capture.
type HistoryCache struct {
	next   audit.Store
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

var (
	_ audit.Store    = (*HistoryCache)(nil)
	_ audit.TxBinder = (*HistoryCache)(nil)
)

func NewHistoryCache(next audit.Store, rdb redis.UniversalClient, cfg Config, logger *slog.Logger) *HistoryCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "audit"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryCache{next: next, rdb: rdb, ttl: cfg.TTL, prefix: cfg.KeyPrefix, logger: logger}
}

func (c *HistoryCache) existsKey(associatedType string) string {
	return fmt.Sprintf("%s:exists:%s", c.prefix, associatedType)
}

// Scope keys share a hash tag so the guarded fill stays in one cluster slot.
func (c *HistoryCache) latestKey(associatedType string, associatedID int64) string {
	return fmt.Sprintf("%s:latest:{%s:%d}", c.prefix, associatedType, associatedID)
}

// genKey counts appends to a scope. A read-through fill only lands if the
// count is unchanged since the read started.
func (c *HistoryCache) genKey(associatedType string, associatedID int64) string {
	return fmt.Sprintf("%s:gen:{%s:%d}", c.prefix, associatedType, associatedID)
}

// fillLatest sets KEYS[2] unless KEYS[1] moved away from ARGV[1].
var fillLatest = redis.NewScript(`
	local gen = redis.call("GET", KEYS[1]) or "0"
	if gen ~= ARGV[1] then
		return 0
	end
	redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
	return 1
`)

func (c *HistoryCache) Append(ctx context.Context, rec *audit.Record) error {
	if err := c.next.Append(ctx, rec); err != nil {
		return err
	}
	c.invalidate(ctx, rec.AssociatedType, rec.AssociatedID, true)
	return nil
}

// invalidate bumps the scope generation and drops its latest entry.
func (c *HistoryCache) invalidate(ctx context.Context, associatedType string, associatedID int64, exists bool) {
	gen := c.genKey(associatedType, associatedID)

	pipe := c.rdb.TxPipeline()
	pipe.Incr(ctx, gen)
	pipe.Expire(ctx, gen, c.ttl)
	pipe.Del(ctx, c.latestKey(associatedType, associatedID))
	if exists {
		pipe.Set(ctx, c.existsKey(associatedType), "1", c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.WarnContext(ctx, "audit cache invalidation failed",
			"scope", fmt.Sprintf("%s#%d", associatedType, associatedID),
			"error", err,
		)
	}
}

// Invalidate drops the cached latest record of a scope, for writes made
// around this cache.
func (c *HistoryCache) Invalidate(ctx context.Context, associatedType string, associatedID int64) {
	c.invalidate(ctx, associatedType, associatedID, false)
}

// Exists only caches positive answers: history never disappears through this system.
func (c *HistoryCache) Exists(ctx context.Context, associatedType string) (bool, error) {
	key := c.existsKey(associatedType)
	err := c.rdb.Get(ctx, key).Err()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.WarnContext(ctx, "audit cache read failed", "key", key, "error", err)
	}

	ok, err := c.next.Exists(ctx, associatedType)
	if err != nil || !ok {
		return ok, err
	}
	if err := c.rdb.Set(ctx, key, "1", c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "audit cache write failed", "key", key, "error", err)
	}
	return true, nil
}

func (c *HistoryCache) List(ctx context.Context, associatedType string, filter audit.Filter) ([]audit.Record, error) {
	return c.next.List(ctx, associatedType, filter)
}

func (c *HistoryCache) Latest(ctx context.Context, associatedType string, associatedID int64) (*audit.Record, error) {
	key := c.latestKey(associatedType, associatedID)
	genKey := c.genKey(associatedType, associatedID)

	// gen is read with the entry so a fill cannot overwrite a newer append.
	gen, fill := "0", true
	vals, err := c.rdb.MGet(ctx, key, genKey).Result()
	if err != nil {
		c.logger.WarnContext(ctx, "audit cache read failed", "key", key, "error", err)
		fill = false
	} else {
		if v, ok := vals[1].(string); ok {
			gen = v
		}
		if data, ok := vals[0].(string); ok {
			var rec audit.Record
			if err := json.Unmarshal([]byte(data), &rec); err == nil {
				return &rec, nil
			}
			// Corrupt entry: drop it and fall through to the store.
			c.rdb.Del(ctx, key)
		}
	}

	rec, err := c.next.Latest(ctx, associatedType, associatedID)
	if err != nil || rec == nil || !fill {
		return rec, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, nil
	}
	if err := fillLatest.Run(ctx, c.rdb, []string{genKey, key}, gen, data, c.ttl.Milliseconds()).Err(); err != nil {
		c.logger.WarnContext(ctx, "audit cache write failed", "key", key, "error", err)
	}
	return rec, nil
}

// BindTx returns a view of the cache writing through tx, a store bound to the
// caller's transaction. Reads through the view skip the cache because they
// can see uncommitted rows.
func (c *HistoryCache) BindTx(tx audit.Store) audit.TxStore {
	if bound, ok := tx.(*txHistoryCache); ok && bound.cache == c {
		return bound
	}
	return &txHistoryCache{cache: c, tx: tx, scopes: make(map[scope]struct{})}
}

type scope struct {
	associatedType string
	associatedID   int64
}

type txHistoryCache struct {
	cache *HistoryCache
	tx    audit.Store

	mu     sync.Mutex
	scopes map[scope]struct{}
}

func (t *txHistoryCache) Append(ctx context.Context, rec *audit.Record) error {
	if err := t.tx.Append(ctx, rec); err != nil {
		return err
	}
	t.cache.invalidate(ctx, rec.AssociatedType, rec.AssociatedID, false)

	t.mu.Lock()
	t.scopes[scope{rec.AssociatedType, rec.AssociatedID}] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *txHistoryCache) Exists(ctx context.Context, associatedType string) (bool, error) {
	return t.tx.Exists(ctx, associatedType)
}

func (t *txHistoryCache) List(ctx context.Context, associatedType string, filter audit.Filter) ([]audit.Record, error) {
	return t.tx.List(ctx, associatedType, filter)
}

func (t *txHistoryCache) Latest(ctx context.Context, associatedType string, associatedID int64) (*audit.Record, error) {
	return t.tx.Latest(ctx, associatedType, associatedID)
}

// Committed invalidates every appended scope again: a reader may have cached
// the previous record between the append and the commit.
func (t *txHistoryCache) Committed(ctx context.Context) {
	t.mu.Lock()
	scopes := make([]scope, 0, len(t.scopes))
	for s := range t.scopes {
		scopes = append(scopes, s)
	}
	clear(t.scopes)
	t.mu.Unlock()

	for _, s := range scopes {
		t.cache.invalidate(ctx, s.associatedType, s.associatedID, true)
	}
}
