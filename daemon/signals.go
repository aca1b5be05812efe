package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/cochaviz/tavalid/internal/logging"
	"github.com/cochaviz/tavalid/internal/validation"
)

// cancelWatcher cancels the request named by every file dropped into dir.
// Names starting with a dot are ignored so writers can stage and rename.
type cancelWatcher struct {
	dir     string
	engine  Engine
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

func newCancelWatcher(dir string, engine Engine, logger *slog.Logger) (*cancelWatcher, error) {
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create signals watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &cancelWatcher{
		dir:     dir,
		engine:  engine,
		watcher: watcher,
		logger:  logging.Ensure(logger).With("signals_dir", dir),
	}, nil
}

// Run handles markers already present, then new ones, until ctx is done.
func (w *cancelWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read signals directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.handle(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0 {
				w.handle(ctx, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("signals watcher error", "error", err)
		}
	}
}

func (w *cancelWatcher) handle(ctx context.Context, path string) {
	id := filepath.Base(path)
	if strings.HasPrefix(id, ".") {
		return
	}
	if _, err := os.Stat(path); err != nil {
		// Already consumed by an earlier event for the same file.
		return
	}

	logger := logging.WithRequest(w.logger, id)
	switch err := w.engine.Cancel(ctx, id); {
	case err == nil:
		logger.Info("cancel requested via signal file")
	case errors.Is(err, validation.ErrNotFound), errors.Is(err, validation.ErrTerminal), errors.Is(err, validation.ErrNotRunning):
		logger.Warn("ignoring cancel signal", "error", err)
	default:
		logger.Error("cancel via signal file failed", "error", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove signal file", "path", path, "error", err)
	}
}

// WriteCancelSignal asks a daemon watching signalsDir to cancel id.
func WriteCancelSignal(signalsDir, id string) error {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: bad request id %q", validation.ErrInvalid, id)
	}
	dir := filepath.Join(signalsDir, "cancel")
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cancel-*")
	if err != nil {
		return fmt.Errorf("stage cancel signal: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), filepath.Join(dir, id)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish cancel signal: %w", err)
	}
	return nil
}
