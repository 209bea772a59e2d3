package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and hands each new, validated
// snapshot to OnReload. It never mutates a Config value in place — every
// reload is a fresh Load() result, so any component holding an older
// *Config keeps seeing a consistent, unchanging view.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWatcher creates a config file watcher for path.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger.With("component", "config-watch"), debounce: 250 * time.Millisecond}
}

// Start begins watching the config file, invoking onReload with each
// newly loaded and validated Config. onReload is called from a single
// background goroutine; it must not block for long.
func (w *Watcher) Start(ctx context.Context, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.path); err != nil {
		watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx, watcher, onReload)
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher, onReload func(*Config)) {
	defer w.wg.Done()
	defer watcher.Close()

	var debounceTimer *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Warn("reload failed, keeping previous config", "error", err)
			return
		}
		w.logger.Info("config reloaded")
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Stop halts the watch loop and blocks until it has exited.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}
