package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// Watcher watches the RBL table file and reports changes to it.
// The directory is watched rather than the file, so that editors and
// deployment tools replacing the file by rename are noticed too.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func()
	logger   *slog.Logger
}

// NewWatcher creates a watcher for the file at path
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:    abs,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// OnChange registers a callback to be called when the file changes.
// Must be called before Start.
func (w *Watcher) OnChange(fn func()) {
	w.onChange = fn
}

// Start blocks until ctx is done, invoking the OnChange callback once per
// burst of writes to the file
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting RBL file watcher", "path", w.path)

	// Editors often write several times in a row
	debounceTimer := time.NewTimer(0)
	debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("RBL file watcher stopped")
			return w.watcher.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("RBL file watcher error", "error", err)

		case <-debounceTimer.C:
			w.logger.Info("RBL file changed", "path", w.path)
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

// Close stops the watcher
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
