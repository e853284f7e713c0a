// Package reload watches source trees and reports debounced change
// notifications, used by the development profile to restart its worker.
package reload

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

var (
	defaultExtensions = []string{".go", ".yaml", ".yml", ".env", ".html", ".tmpl", ".json"}
	skippedDirs       = map[string]struct{}{"vendor": {}, "node_modules": {}, "testdata": {}}
)

// Option customizes watcher behavior.
type Option func(*Watcher)

// WithDebounce sets the quiet period required before onChange fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithExtensions replaces the file extensions that trigger a reload.
func WithExtensions(exts ...string) Option {
	return func(w *Watcher) {
		w.extensions = make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			w.extensions[strings.ToLower(ext)] = struct{}{}
		}
	}
}

// Watcher monitors directory trees and calls onChange once per burst of
// relevant file events.
type Watcher struct {
	dirs       []string
	onChange   func(path string)
	logger     *zap.Logger
	debounce   time.Duration
	extensions map[string]struct{}

	// addWatch registers one directory with fsnotify.
	addWatch func(*fsnotify.Watcher, string) error

	mu      sync.Mutex
	timer   *time.Timer
	watcher *fsnotify.Watcher
}

// New constructs a watcher over dirs.
func New(dirs []string, onChange func(path string), logger *zap.Logger, opts ...Option) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("at least one directory required")
	}
	if onChange == nil {
		return nil, fmt.Errorf("change callback required")
	}

	abs := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		p, err := filepath.Abs(strings.TrimSpace(dir))
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", dir, err)
		}
		abs = append(abs, filepath.Clean(p))
	}

	w := &Watcher{
		dirs:     abs,
		onChange: onChange,
		logger:   logger,
		debounce: defaultDebounce,
		addWatch: (*fsnotify.Watcher).Add,
	}
	WithExtensions(defaultExtensions...)(w)
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is cancelled. Setup failures are returned; errors
// reported by fsnotify while running are logged.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.mu.Lock()
	w.watcher = fsWatcher
	w.mu.Unlock()
	defer w.close()

	for _, dir := range w.dirs {
		if err := w.addTree(dir); err != nil {
			return err
		}
	}
	w.logger.Info("watching for changes", zap.Strings("dirs", w.dirs), zap.Duration("debounce", w.debounce))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
		w.watcher = nil
	}
}

// addTree registers root and every non-skipped directory below it. Only a
// failure on root itself is returned; subdirectories that cannot be read or
// watched are logged and left out.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return fmt.Errorf("walk %s: %w", path, err)
			}
			w.logger.Warn("skipping unreadable path", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.addWatch(w.watcher, path); err != nil {
			if path == root {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			w.logger.Warn("skipping directory", zap.String("path", path), zap.Error(err))
			return filepath.SkipDir
		}
		return nil
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !skipDir(filepath.Base(event.Name)) {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("watch new directory failed", zap.String("path", event.Name), zap.Error(err))
				}
			}
			return
		}
	}

	if !w.relevant(event.Name) {
		return
	}
	w.logger.Debug("file changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
	w.scheduleChange(event.Name)
}

func (w *Watcher) relevant(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") && base != ".env" {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	if base == ".env" {
		ext = ".env"
	}
	_, ok := w.extensions[ext]
	return ok
}

func (w *Watcher) scheduleChange(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.logger.Info("change detected, reloading", zap.String("path", path))
		w.onChange(path)
	})
}

func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	_, ok := skippedDirs[name]
	return ok
}
