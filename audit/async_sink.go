package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// AsyncSink streams persisted records as JSON lines to a writer from a
// background worker, so slow IO never holds up the mutation.
type AsyncSink struct {
	records   chan Record
	writer    io.Writer
	wg        sync.WaitGroup
	logger    *slog.Logger
	closeOnce sync.Once

	// mu guards closed against sends racing Close.
	mu     sync.RWMutex
	closed bool

	blockOnFull bool

	// Drop Strategy Metrics
	dropCount   uint64
	lastLogTime time.Time
	dropMu      sync.Mutex
}

func NewAsyncSink(w io.Writer, cfg SinkConfig, logger *slog.Logger) *AsyncSink {
	if w == nil {
		w = os.Stdout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &AsyncSink{
		records:     make(chan Record, cfg.BufferSize),
		writer:      w,
		logger:      logger,
		blockOnFull: cfg.BlockOnFull,
		lastLogTime: time.Now(),
	}

	s.wg.Add(1)
	go s.worker()

	return s
}

func (s *AsyncSink) Publish(ctx context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.handleDrop(rec.Scope())
		return nil
	}

	if s.blockOnFull {
		// Will block if buffer is full, bounded by the caller's context.
		select {
		case s.records <- rec:
			return nil
		case <-ctx.Done():
			s.handleDrop(rec.Scope() + "_ctx_cancelled")
			return ctx.Err()
		}
	}

	select {
	case s.records <- rec:
	default:
		s.handleDrop(rec.Scope())
	}
	return nil
}

func (s *AsyncSink) handleDrop(scope string) {
	sinkDropped.Inc()
	currentDrops := atomic.AddUint64(&s.dropCount, 1)

	s.dropMu.Lock()
	defer s.dropMu.Unlock()

	if time.Since(s.lastLogTime) >= 5*time.Second {
		s.logger.Warn("audit sink buffer full, records dropped from sink",
			"strategy", "drop_on_full",
			"total_dropped", currentDrops,
			"sample_scope", scope,
		)
		atomic.StoreUint64(&s.dropCount, 0)
		s.lastLogTime = time.Now()
	}
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()
	encoder := json.NewEncoder(s.writer)

	for rec := range s.records {
		if err := encoder.Encode(rec); err != nil {
			s.logger.Error("failed to write audit record", "scope", rec.Scope(), "error", err)
		}
	}
}

// Close flushes queued records and stops the worker.
func (s *AsyncSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.records)
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}
