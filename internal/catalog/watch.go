package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// SeedWatcher re-imports a seed file into a Store whenever it changes.
type SeedWatcher struct {
	store    Store
	path     string
	logger   *slog.Logger
	onReload func(n int, err error)
}

// NewSeedWatcher creates a watcher for path. onReload may be nil.
func NewSeedWatcher(store Store, path string, logger *slog.Logger, onReload func(n int, err error)) *SeedWatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SeedWatcher{store: store, path: path, logger: logger, onReload: onReload}
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that atomic renames by editors are seen.
func (w *SeedWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve seed path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch seed directory: %w", err)
	}
	w.logger.Info("watching catalog seed", slog.String("path", abs))

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() { w.reload(ctx) })
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *SeedWatcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := ImportSeedFile(ctx, w.store, w.path)
	if err != nil {
		w.logger.Warn("catalog reload failed", slog.String("path", w.path), slog.String("error", err.Error()))
	} else {
		w.logger.Info("catalog reloaded", slog.String("path", w.path), slog.Int("procedures", n))
	}
	if w.onReload != nil {
		w.onReload(n, err)
	}
}
