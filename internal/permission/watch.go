package permission

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads an engine's rules when the backing rules file
// changes on disk. Editors replace files via rename, so the parent
// directory is watched rather than the file itself.
type Watcher struct {
	engine   *Engine
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher wires a rules file to an engine. Start must be called
// before any reloads happen.
func NewWatcher(engine *Engine, path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		engine:   engine,
		path:     path,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
}

// Start begins watching. It is a no-op if already started.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Unlock()
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if err := w.Reload(); err != nil {
				w.logger.Warn("rules reload failed, keeping previous rules",
					"path", w.path, "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watch error", "path", w.path, "error", err)
		}
	}
}

// Reload re-reads the rules file and swaps the engine's rule list.
// A file that fails to parse or validate leaves the engine untouched.
func (w *Watcher) Reload() error {
	file, err := LoadRulesFile(w.path)
	if err != nil {
		return err
	}
	if err := w.engine.Replace(file.Rules); err != nil {
		return err
	}
	if file.Default != "" {
		w.engine.SetDefaultAction(file.Default)
	}
	w.logger.Info("permission rules reloaded",
		"path", w.path, "rules", len(file.Rules))
	return nil
}
