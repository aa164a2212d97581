package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godamri/helix-auditer/audit"
	"github.com/godamri/helix-auditer/database"
	"github.com/godamri/helix-auditer/pkg/contextx"
)

// countingStore records how often the cache fell through.
type countingStore struct {
	*audit.MemoryStore
	latest atomic.Int32
	exists atomic.Int32
}

func (s *countingStore) Latest(ctx context.Context, associatedType string, associatedID int64) (*audit.Record, error) {
	s.latest.Add(1)
	return s.MemoryStore.Latest(ctx, associatedType, associatedID)
}

func (s *countingStore) Exists(ctx context.Context, associatedType string) (bool, error) {
	s.exists.Add(1)
	return s.MemoryStore.Exists(ctx, associatedType)
}

func setupCache(t *testing.T) (*HistoryCache, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := NewRedis(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	store := &countingStore{MemoryStore: audit.NewMemoryStore()}
	return NewHistoryCache(store, rdb, Config{TTL: time.Minute, KeyPrefix: "test"}, nil), store, mr
}

func record(id int64, ev audit.Event, changed audit.Changed) *audit.Record {
	return &audit.Record{
		AssociatedType: "Post",
		AssociatedID:   id,
		Event:          ev,
		Changed:        changed,
		Modifier:       &audit.Ref{Type: "User", ID: 88},
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHistoryCache_Latest(t *testing.T) {
	c, store, mr := setupCache(t)
	ctx := context.Background()

	rec, err := c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.False(t, mr.Exists("test:latest:{Post:1}"), "misses are not cached")

	require.NoError(t, c.Append(ctx, record(1, audit.Create, audit.Changed{{Column: "title", New: "a"}})))
	require.NoError(t, c.Append(ctx, record(1, audit.Update, audit.Changed{{Column: "title", Old: "a", New: "b", Diff: true}})))

	first, err := c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, mr.Exists("test:latest:{Post:1}"))

	second, err := c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), store.latest.Load())

	title, ok := second.Changed.Get("title")
	require.True(t, ok)
	assert.True(t, title.Diff)

	// Appending drops the cached entry so the next read sees the new version.
	require.NoError(t, c.Append(ctx, record(1, audit.Destroy, audit.Changed{{Column: "title", New: "b"}})))
	assert.False(t, mr.Exists("test:latest:{Post:1}"))

	third, err := c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), third.Version)
	assert.Equal(t, audit.Destroy, third.Event)
}

func TestHistoryCache_CorruptEntryFallsThrough(t *testing.T) {
	c, _, mr := setupCache(t)
	ctx := context.Background()
	require.NoError(t, c.Append(ctx, record(1, audit.Create, audit.Changed{{Column: "title", New: "a"}})))

	require.NoError(t, mr.Set("test:latest:{Post:1}", "{not json"))
	rec, err := c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.Version)
}

// racingStore runs onLatest after reading, before the read is returned.
type racingStore struct {
	*audit.MemoryStore
	onLatest func()
}

func (s *racingStore) Latest(ctx context.Context, associatedType string, associatedID int64) (*audit.Record, error) {
	rec, err := s.MemoryStore.Latest(ctx, associatedType, associatedID)
	if hook := s.onLatest; hook != nil {
		s.onLatest = nil
		hook()
	}
	return rec, err
}

func TestHistoryCache_FillLosesToConcurrentAppend(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewRedis(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rdb.Close()

	store := &racingStore{MemoryStore: audit.NewMemoryStore()}
	c := NewHistoryCache(store, rdb, Config{TTL: time.Minute, KeyPrefix: "test"}, nil)
	ctx := context.Background()
	require.NoError(t, c.Append(ctx, record(1, audit.Create, audit.Changed{{Column: "title", New: "a"}})))

	store.onLatest = func() {
		require.NoError(t, c.Append(ctx, record(1, audit.Update, audit.Changed{{Column: "title", Old: "a", New: "b", Diff: true}})))
	}
	rec, err := c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version, "the read itself predates the append")
	assert.False(t, mr.Exists("test:latest:{Post:1}"), "stale fill must not land")

	rec, err = c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.True(t, mr.Exists("test:latest:{Post:1}"))
}

func TestHistoryCache_CommittedDropsEntryCachedBeforeCommit(t *testing.T) {
	c, store, mr := setupCache(t)
	ctx := context.Background()
	require.NoError(t, c.Append(ctx, record(1, audit.Create, audit.Changed{{Column: "title", New: "a"}})))
	before, err := c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	stale, err := mr.Get("test:latest:{Post:1}")
	require.NoError(t, err)

	tx := c.BindTx(store)
	assert.Same(t, tx, c.BindTx(tx), "binding a bound view is a no-op")
	require.NoError(t, tx.Append(ctx, record(1, audit.Update, audit.Changed{{Column: "title", Old: "a", New: "b", Diff: true}})))
	assert.False(t, mr.Exists("test:latest:{Post:1}"))

	// Reads through the view see uncommitted rows and are never cached.
	inTx, err := tx.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inTx.Version)
	assert.False(t, mr.Exists("test:latest:{Post:1}"))

	// A reader outside the transaction cached the old record before the commit.
	require.NoError(t, mr.Set("test:latest:{Post:1}", stale))
	tx.Committed(ctx)
	assert.False(t, mr.Exists("test:latest:{Post:1}"))

	after, err := c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), before.Version)
	assert.Equal(t, int64(2), after.Version)
}

func TestHistoryCache_TxBoundCaptureInvalidates(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb, err := NewRedis(ctx, Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rdb.Close()

	db, err := database.NewSQLite(ctx, database.Config{Driver: "sqlite", DSN: ":memory:"}, "cache-test")
	require.NoError(t, err)
	defer db.Close()
	store, err := database.NewStore(db, database.SQLite, "AuditLog")
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))

	a, err := audit.New(audit.DefaultConfig(), NewHistoryCache(store, rdb, Config{TTL: time.Minute}, nil))
	require.NoError(t, err)
	_, err = a.Register("Post", []string{"id", "title"})
	require.NoError(t, err)

	asUser := func(id int64) context.Context {
		return contextx.WithAccessor(ctx, "current_user", audit.Ref{Type: "User", ID: id})
	}

	post := audit.NewRow(1, map[string]any{"id": int64(1), "title": "a"})
	_, err = a.Capture(asUser(1), "Post", audit.Create, post)
	require.NoError(t, err)
	blame, err := a.LatestActor(ctx, "Post", 1)
	require.NoError(t, err)
	require.Equal(t, "User:1", blame.String())

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	bound := a.WithStore(store.WithTx(tx))
	post.Set("title", "b")
	rec, err := bound.Capture(asUser(2), "Post", audit.Update, post)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	require.NoError(t, tx.Commit())
	bound.Committed(ctx)

	blame, err = a.LatestActor(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, "User:2", blame.String())
}

func TestHistoryCache_Exists(t *testing.T) {
	c, store, mr := setupCache(t)
	ctx := context.Background()

	ok, err := c.Exists(ctx, "Post")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:exists:Post"))

	require.NoError(t, c.Append(ctx, record(1, audit.Create, audit.Changed{{Column: "title", New: "a"}})))
	assert.True(t, mr.Exists("test:exists:Post"))

	ok, err = c.Exists(ctx, "Post")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), store.exists.Load())

	mr.FastForward(2 * time.Minute)
	ok, err = c.Exists(ctx, "Post")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(2), store.exists.Load())
}

func TestHistoryCache_DegradesWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer rdb.Close()

	store := &countingStore{MemoryStore: audit.NewMemoryStore()}
	c := NewHistoryCache(store, rdb, Config{}, nil)
	ctx := context.Background()
	mr.Close()

	require.NoError(t, c.Append(ctx, record(1, audit.Create, audit.Changed{{Column: "title", New: "a"}})))

	rec, err := c.Latest(ctx, "Post", 1)
	require.NoError(t, err)
	require.NotNil(t, rec)

	ok, err := c.Exists(ctx, "Post")
	require.NoError(t, err)
	assert.True(t, ok)

	history, err := c.List(ctx, "Post", audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHistoryCache_BehindAuditor(t *testing.T) {
	c, _, _ := setupCache(t)
	ctx := context.Background()

	a := audit.NewWithRegistry(audit.NewRegistry(audit.DefaultConfig()))
	require.NoError(t, a.RegisterRecordType("AuditLog", c))
	_, err := a.Register("Post", []string{"id", "title"})
	require.NoError(t, err)

	blame, err := a.LatestActor(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, audit.NotAudited, blame.String())

	_, err = a.Capture(ctx, "Post", audit.Create, audit.NewRow(1, map[string]any{"id": 1, "title": "a"}))
	require.NoError(t, err)

	blame, err = a.LatestActor(ctx, "Post", 1)
	require.NoError(t, err)
	assert.True(t, blame.Audited)
}

func TestNewRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), Config{Addr: addr})
	assert.Error(t, err)
}
