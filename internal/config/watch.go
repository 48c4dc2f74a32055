package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long the watcher waits after the last event before
// firing; editors often write a file in several steps.
const DefaultSettle = 200 * time.Millisecond

// Watcher calls OnChange after the config file is written, created or
// renamed into place.
type Watcher struct {
	path   string
	settle time.Duration
	logger *slog.Logger
	w      *fsnotify.Watcher
}

// NewWatcher watches the directory holding path. The directory is watched
// rather than the file so atomic replaces are seen.
func NewWatcher(path string, settle time.Duration, logger *slog.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	abs, err := filepath.Abs(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	return &Watcher{path: abs, settle: settle, logger: logger, w: w}, nil
}

// Run delivers change notifications until ctx is done. onChange runs on the
// watcher goroutine, one call at a time.
func (w *Watcher) Run(ctx context.Context, onChange func()) {
	defer w.w.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("config file event", "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.settle)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.settle)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.logger.Info("config file changed; reloading", "path", w.path)
			onChange()

		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
