package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the newly loaded config after a file change.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file when it changes on disk. The parent
// directory is watched so that editors which replace the file via rename
// are still picked up. Bursts of events are debounced.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	handlers []ChangeHandler
	timer    *time.Timer
}

// NewWatcher creates a config file watcher.
func NewWatcher(configPath string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = configPath
	}
	return &Watcher{
		path:     abs,
		watcher:  w,
		debounce: 300 * time.Millisecond,
	}, nil
}

// OnChange registers a handler called after each successful reload.
func (cw *Watcher) OnChange(handler ChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, handler)
}

// Run watches until ctx is cancelled.
func (cw *Watcher) Run(ctx context.Context) error {
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		cw.watcher.Close()
		return err
	}
	slog.Info("config.watch_started", "path", cw.path)

	defer func() {
		cw.mu.Lock()
		if cw.timer != nil {
			cw.timer.Stop()
		}
		cw.mu.Unlock()
		cw.watcher.Close()
		slog.Info("config.watch_stopped", "path", cw.path)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cw.schedule()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config.watch_error", "error", err)
		}
	}
}

func (cw *Watcher) schedule() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.reload)
}

func (cw *Watcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config.reload_failed", "path", cw.path, "error", err)
		return
	}

	cw.mu.Lock()
	handlers := make([]ChangeHandler, len(cw.handlers))
	copy(handlers, cw.handlers)
	cw.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	slog.Info("config.reloaded", "path", cw.path)
}
