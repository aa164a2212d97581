package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godamri/helix-auditer/audit"
	"github.com/godamri/helix-auditer/database"
	"github.com/godamri/helix-auditer/pkg/contextx"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const baseYAML = `
service_name: auditer-test
database:
  driver: sqlite
  dsn: ":memory:"
sink:
  json_lines: true
  buffer_size: 16
  block_on_full: true
auth:
  mode: header
  header:
    trusted_proxies: ["192.0.2.0/24"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auditer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("AUDIT_RECORD_TYPE", "Version")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, _, err := LoadConfig(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "auditer-test", cfg.ServiceName)
	assert.Equal(t, database.SQLite, cfg.Database.Dialect())
	assert.Equal(t, "Version", cfg.Audit.RecordType, "env wins")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "current_user", cfg.Audit.CurrentUserAccessor)
	assert.Equal(t, AuthHeader, cfg.Auth.Mode)
	assert.Equal(t, []string{"192.0.2.0/24"}, cfg.Auth.Header.TrustedProxies)
	assert.Equal(t, "X-Helix-User-ID", cfg.Auth.Header.HeaderUserID)
	assert.Equal(t, 16, cfg.Sink.BufferSize)
	assert.Equal(t, 5*time.Second, cfg.ConfigWatchInterval)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, _, err := LoadConfig(writeConfig(t, "auth:\n  mode: kerberos\ndatabase:\n  dsn: x\n"))
	assert.ErrorContains(t, err, "config validation failed")

	_, _, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config validation failed", "a DSN is required")
}

func newStack(t *testing.T, yaml string, opts ...Option) (*Stack, *lockedBuffer) {
	t.Helper()
	cfg, loader, err := LoadConfig(writeConfig(t, yaml))
	require.NoError(t, err)

	sinkOut := &lockedBuffer{}
	opts = append([]Option{WithLogWriter(io.Discard), WithSinkWriter(sinkOut), WithReloader(loader)}, opts...)
	s, err := New(context.Background(), *cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, sinkOut
}

func TestStack_EndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	s, sinkOut := newStack(t, baseYAML+"redis:\n  addr: "+mr.Addr()+"\n")
	require.NotNil(t, s.Redis)

	_, err := s.Auditor.Register("Post", []string{"id", "title", "body"})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(s.Middleware)
	r.Put("/posts/{id}", func(w http.ResponseWriter, r *http.Request) {
		post := audit.NewRow(3, map[string]any{"id": int64(3), "title": "a", "body": "b"})
		if _, err := s.Auditor.Capture(r.Context(), "Post", audit.Create, post); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		post.Set("title", "edited")
		if _, err := s.Auditor.Capture(r.Context(), "Post", audit.Update, post); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPut, "/posts/3", nil)
	req.Header.Set("X-Helix-User-ID", "501")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	ctx := context.Background()
	versions, err := s.Auditor.Versions(ctx, "Post", 3)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, []int64{1, 2}, []int64{versions[0].Version, versions[1].Version})
	assert.Equal(t, &audit.Ref{Type: "User", ID: 501}, versions[1].Modifier)
	assert.Equal(t, "/posts/{id}", versions[1].AdditionalInfo["path"])

	blame, err := s.Auditor.LatestActor(ctx, "Post", 3)
	require.NoError(t, err)
	assert.Equal(t, "User:501", blame.String())
	assert.True(t, mr.Exists("audit:latest:{Post:3}"), "latest record is cached")

	report, ok := s.Health.Check(ctx)
	assert.True(t, ok)
	assert.Equal(t, "UP", report["cache"])

	require.NoError(t, s.Close())
	assert.Contains(t, sinkOut.String(), `"associated_type":"Post"`)
	assert.Contains(t, sinkOut.String(), `"event":"update"`)
}

func TestStack_InTxRefreshesCachedLatest(t *testing.T) {
	mr := miniredis.RunT(t)
	s, _ := newStack(t, baseYAML+"redis:\n  addr: "+mr.Addr()+"\n")
	_, err := s.Auditor.Register("Post", []string{"id", "title"})
	require.NoError(t, err)

	ctx := context.Background()
	asUser := func(id int64) context.Context {
		return contextx.WithAccessor(ctx, "current_user", audit.Ref{Type: "User", ID: id})
	}

	post := audit.NewRow(1, map[string]any{"id": int64(1), "title": "a"})
	_, err = s.Auditor.Capture(asUser(1), "Post", audit.Create, post)
	require.NoError(t, err)
	blame, err := s.Auditor.LatestActor(ctx, "Post", 1)
	require.NoError(t, err)
	require.Equal(t, "User:1", blame.String())

	err = s.InTx(ctx, func(tx *sql.Tx, a *audit.Auditor) error {
		post.Set("title", "b")
		_, err := a.Capture(asUser(2), "Post", audit.Update, post)
		return err
	})
	require.NoError(t, err)

	blame, err = s.Auditor.LatestActor(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, "User:2", blame.String())

	// A failed transaction leaves no history behind.
	err = s.InTx(ctx, func(tx *sql.Tx, a *audit.Auditor) error {
		post.Set("title", "c")
		if _, err := a.Capture(asUser(3), "Post", audit.Update, post); err != nil {
			return err
		}
		return errors.New("rejected")
	})
	assert.EqualError(t, err, "rejected")

	versions, err := s.Auditor.Versions(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	blame, err = s.Auditor.LatestActor(ctx, "Post", 1)
	require.NoError(t, err)
	assert.Equal(t, "User:2", blame.String())
}

func TestStack_Unauthenticated(t *testing.T) {
	s, _ := newStack(t, baseYAML)
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestStack_ReloadTogglesCapture(t *testing.T) {
	yaml := baseYAML + "config_watch_interval: 10ms\n"
	s, _ := newStack(t, yaml)
	_, err := s.Auditor.Register("Post", []string{"id", "title"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(30 * time.Millisecond)
	path := s.loader.Path()
	require.NoError(t, os.WriteFile(path, []byte(yaml+"audit:\n  enabled: false\n"), 0o600))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool { return !s.Auditor.Enabled() }, 2*time.Second, 10*time.Millisecond)

	rec, err := s.Auditor.Capture(context.Background(), "Post", audit.Create, audit.NewRow(1, map[string]any{"title": "x"}))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestNew_ClosesOnFailure(t *testing.T) {
	cfg, _, err := LoadConfig(writeConfig(t, baseYAML+"redis:\n  addr: 127.0.0.1:1\n"))
	require.NoError(t, err)

	s, err := New(context.Background(), *cfg, WithLogWriter(io.Discard))
	assert.Error(t, err)
	assert.Nil(t, s)
}
