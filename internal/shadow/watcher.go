package shadow

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"kbfiles/internal/standin"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports big files touched in the working copy, so a long-running
// process can refresh their standins without a full status walk.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	isBig   func(rel string) bool
	skip    map[string]bool
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]bool
}

// NewWatcher watches every directory under root except the skipped ones
// and the standin directory. isBig decides which touched files are
// reported.
func NewWatcher(root string, isBig func(rel string) bool, skipDirs []string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		root:    root,
		watcher: fw,
		isBig:   isBig,
		skip:    map[string]bool{standin.Dir: true},
		logger:  logger,
		pending: make(map[string]bool),
	}
	for _, d := range skipDirs {
		w.skip[d] = true
	}

	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, fmt.Errorf("initializing watches: %w", err)
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(path); ok && w.skipped(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) skipped(rel string) bool {
	first, _, _ := strings.Cut(rel, "/")
	return w.skip[first]
}

// handle records the event and reports whether it touched a big file.
func (w *Watcher) handle(event fsnotify.Event) bool {
	rel, ok := w.rel(event.Name)
	if !ok || w.skipped(rel) {
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Error("watching new directory", zap.String("path", rel), zap.Error(err))
			}
			return false
		}
	}
	if !w.isBig(rel) {
		return false
	}

	w.mu.Lock()
	w.pending[rel] = true
	w.mu.Unlock()
	return true
}

func (w *Watcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	w.pending = make(map[string]bool)
	sort.Strings(out)
	return out
}

// Run delivers batches of touched big files to flush once no new event has
// arrived for debounce. It returns when ctx is done or flush fails.
func (w *Watcher) Run(ctx context.Context, debounce time.Duration, flush func(paths []string) error) error {
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if paths := w.drain(); len(paths) > 0 {
				return flush(paths)
			}
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.handle(event) {
				timer.Reset(debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		case <-timer.C:
			paths := w.drain()
			if len(paths) == 0 {
				continue
			}
			w.logger.Debug("flushing touched big files", zap.Int("count", len(paths)))
			if err := flush(paths); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
