package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefinitionWatcher loads definition files from a directory into a registry
// and keeps registering new or changed files while it runs.
type DefinitionWatcher struct {
	dir      string
	registry *DefinitionRegistry
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewDefinitionWatcher creates a watcher for dir.
func NewDefinitionWatcher(dir string, registry *DefinitionRegistry, logger *zap.Logger) *DefinitionWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefinitionWatcher{
		dir:      dir,
		registry: registry,
		logger:   logger,
		debounce: 300 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
	}
}

// LoadAll registers every definition file in the directory, in name order.
// A file that fails to load is logged and skipped; the joined errors are
// returned.
func (w *DefinitionWatcher) LoadAll() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read definitions dir %s: %w", w.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := w.loadFile(filepath.Join(w.dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run watches the directory until ctx is cancelled.
func (w *DefinitionWatcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsWatcher.Close()
	if err := fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching definitions", zap.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			w.stopPending()
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && IsDefinitionFile(event.Name) {
				w.schedule(event.Name)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Warn("Definition watcher error", zap.Error(err))
		}
	}
}

// schedule debounces bursts of write events for the same file.
func (w *DefinitionWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		_ = w.loadFile(path)
	})
}

func (w *DefinitionWatcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// loadFile registers a file. A file whose declared version already exists
// with different content is registered as the next version.
func (w *DefinitionWatcher) loadFile(path string) error {
	def, err := LoadDefinitionFile(path)
	if err != nil {
		w.logger.Error("Failed to load definition", zap.String("path", path), zap.Error(err))
		return err
	}
	if w.registry.Contains(def) {
		return nil
	}
	registered, err := w.registry.Register(def)
	if errors.Is(err, ErrDefinitionImmutable) {
		def.Version = 0
		registered, err = w.registry.Register(def)
	}
	if err != nil {
		w.logger.Error("Failed to register definition", zap.String("path", path), zap.Error(err))
		return err
	}
	w.logger.Info("Definition loaded from file",
		zap.String("path", path),
		zap.String("definitionID", registered.ID),
		zap.Int("version", registered.Version))
	return nil
}
