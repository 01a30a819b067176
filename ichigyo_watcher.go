// ichigyo/ichigyo_watcher.go
// Watches textlint configuration files in the workspace root.
package ichigyo

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ============================================================================
// Linter Config Watcher
// ============================================================================

// linterConfigNames lists the files whose change alters lint results.
var linterConfigNames = map[string]bool{
	".textlintrc":      true,
	".textlintrc.json": true,
	".textlintrc.yml":  true,
	".textlintrc.yaml": true,
	".textlintrc.js":   true,
	".textlintrc.cjs":  true,
	"package.json":     true,
}

// isLinterConfigFile reports whether path names a textlint config file.
func isLinterConfigFile(path string) bool {
	return linterConfigNames[strings.ToLower(filepath.Base(path))]
}

// ConfigWatcher calls onChange (debounced) whenever a textlint config file in
// dir is created, written, renamed or removed.
type ConfigWatcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	onChange func(path string)
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

// NewConfigWatcher starts watching dir. Stop must be called to release the watch.
func NewConfigWatcher(dir string, debounce time.Duration, onChange func(path string), logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if debounce <= 0 {
		debounce = watchDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWatcher, err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("%w: watching %s: %w", ErrWatcher, dir, err)
	}
	w := &ConfigWatcher{
		dir:      dir,
		watcher:  fsw,
		onChange: onChange,
		debounce: debounce,
		logger:   logger.With("watch_dir", dir),
		done:     make(chan struct{}),
	}
	go w.loop()
	w.logger.Info("Watching linter configuration")
	return w, nil
}

func (w *ConfigWatcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isLinterConfigFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug("Linter config changed", "path", event.Name, "op", event.Op.String())
				w.schedule(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

// schedule (re)arms the debounce timer so a burst of events fires once.
func (w *ConfigWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.onChange(path)
	})
}

// Stop ends the watch. Safe to call more than once.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		close(w.done)
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("Error closing config watcher", "error", err)
		}
	})
}
