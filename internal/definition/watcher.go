package definition

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Handler receives a definition that was created or changed on disk.
type Handler func(ctx context.Context, def *BotDefinition)

// Watcher reloads definition files in a directory when they change.
type Watcher struct {
	dir      string
	debounce time.Duration
	handler  Handler
	logger   *zap.Logger
}

// NewWatcher returns a watcher of dir. A zero debounce uses DefaultDebounce.
func NewWatcher(dir string, debounce time.Duration, handler Handler, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, fmt.Errorf("definition: watch: directory is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("definition: watch: handler is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		handler:  handler,
		logger:   logger.Named("definitions"),
	}, nil
}

// Run watches until ctx is done. Files that fail to load are logged and
// skipped; deleting a file does not remove the bot's models.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("definition: watch: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("definition: watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching definitions", zap.String("dir", w.dir))

	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !IsDefinitionFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				w.logger.Info("definition file removed; models kept", zap.String("path", event.Name))
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				pending[event.Name] = true
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))

		case <-timer.C:
			w.flush(ctx, pending)
			clear(pending)
		}
	}
}

func (w *Watcher) flush(ctx context.Context, pending map[string]bool) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		def, err := Load(p)
		if err != nil {
			w.logger.Warn("skipping invalid definition", zap.String("path", filepath.Base(p)), zap.Error(err))
			continue
		}
		w.logger.Info("definition changed", zap.String("bot", def.Bot), zap.String("path", filepath.Base(p)))
		w.handler(ctx, def)
	}
}
