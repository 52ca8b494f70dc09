// Package intake turns files landing in a drop folder into captures.
package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

var errMissingDropper = errors.New("intake: dropper required")

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".gif":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
}

// Dropper receives settled files.
type Dropper interface {
	Drop(ctx context.Context, paths ...string) ([]string, error)
}

type Config struct {
	Dir      string
	Dropper  Dropper
	Debounce time.Duration
	Logger   *zap.Logger
}

// Watcher drops each new image file once its writes have been quiet for the debounce window.
type Watcher struct {
	dir      string
	dropper  Dropper
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	dropped map[string]struct{}
	ready   chan string
	stopped chan struct{}
}

func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Dropper == nil {
		return nil, errMissingDropper
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("intake: watch directory required")
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      cfg.Dir,
		dropper:  cfg.Dropper,
		debounce: debounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		dropped:  make(map[string]struct{}),
		ready:    make(chan string, 16),
		stopped:  make(chan struct{}),
	}, nil
}

// IsImageFile reports whether name looks like a capturable image and is not a hidden or temporary file.
func IsImageFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~") {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(base))]
	return ok
}

// Run watches the directory until ctx is done. A Watcher runs once.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("intake: create watch directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("intake: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("intake: watch %s: %w", w.dir, err)
	}
	defer w.stopTimers()
	defer close(w.stopped)

	w.logger.Info("watching drop folder", zap.String("dir", w.dir))
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !IsImageFile(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				w.schedule(event.Name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.cancel(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("drop folder watcher error", zap.Error(err))
		case path := <-w.ready:
			w.drop(ctx, path)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, done := w.dropped[path]; done {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		select {
		case w.ready <- path:
		case <-w.stopped:
		}
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) drop(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.timers, path)
	if _, done := w.dropped[path]; done {
		w.mu.Unlock()
		return
	}
	w.dropped[path] = struct{}{}
	w.mu.Unlock()

	if _, err := os.Stat(path); err != nil {
		w.forget(path)
		return
	}
	imageIDs, err := w.dropper.Drop(ctx, path)
	if err != nil {
		w.forget(path)
		w.logger.Warn("drop folder capture failed", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("drop folder capture", zap.String("path", path), zap.Strings("image_ids", imageIDs))
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.dropped, path)
	w.mu.Unlock()
}
