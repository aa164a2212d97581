package config

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// FileWatcher polls a file for changes.
// Polling instead of inotify: mounted ConfigMaps are swapped through symlinks.
type FileWatcher struct {
	path     string
	interval time.Duration
	lastMod  time.Time
	lastSize int64
	logger   *slog.Logger
}

func NewFileWatcher(path string, interval time.Duration, logger *slog.Logger) *FileWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		path:     path,
		interval: interval,
		logger:   logger,
	}
}

// Watch calls onChange whenever the file's modification time or size changes,
// until ctx is done.
func (w *FileWatcher) Watch(ctx context.Context, onChange func()) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if info, err := os.Stat(w.path); err == nil {
		w.lastMod, w.lastSize = info.ModTime(), info.Size()
	}

	w.logger.Info("config watcher started", "path", w.path, "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue // File might be temporarily gone during swap
			}

			if info.ModTime().Equal(w.lastMod) && info.Size() == w.lastSize {
				continue
			}
			w.logger.Info("config file changed, reloading", "path", w.path)
			w.lastMod, w.lastSize = info.ModTime(), info.Size()
			onChange()
		}
	}
}

// WatchInto reloads the container from loader whenever the watched file changes.
// A config that fails to load or validate is logged and the previous one kept.
func WatchInto[T any](ctx context.Context, w *FileWatcher, loader *Loader[T], c *Container[T]) {
	w.Watch(ctx, func() {
		cfg, err := loader.Load()
		if err != nil {
			w.logger.Error("config reload failed, keeping previous", "path", w.path, "error", err)
			return
		}
		if err := c.Update(*cfg); err != nil {
			w.logger.Error("config reload rejected, keeping previous", "path", w.path, "error", err)
		}
	})
}
