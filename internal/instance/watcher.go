package instance

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/fsnotify/fsnotify"
)

// WatcherConfig is the configuration for the instance-table watcher.
type WatcherConfig struct {
	// Logger is used for logging the operation of the watcher.  It must not
	// be nil.
	Logger *slog.Logger

	// Registry is the registry to update on successful reloads.  It must not
	// be nil.
	Registry *Registry

	// Path is the path to the instance-table file.  It must not be empty.
	Path string
}

// Watcher reloads the instance table when the underlying file changes and
// swaps the registry atomically.  A failed reload keeps the previous table.
type Watcher struct {
	logger   *slog.Logger
	registry *Registry
	watcher  *fsnotify.Watcher
	done     chan struct{}
	path     string
}

// NewWatcher returns a new watcher for the instance table.  c must not be
// nil.
func NewWatcher(c *WatcherConfig) (w *Watcher, err error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}

	return &Watcher{
		logger:   c.Logger,
		registry: c.Registry,
		watcher:  fsw,
		done:     make(chan struct{}),
		path:     filepath.Clean(c.Path),
	}, nil
}

// type check
var _ service.Interface = (*Watcher)(nil)

// Start implements the [service.Interface] interface for *Watcher.  The
// containing directory is watched rather than the file itself, since editors
// and atomic writers replace the file by rename.
func (w *Watcher) Start(ctx context.Context) (err error) {
	err = w.watcher.Add(filepath.Dir(w.path))
	if err != nil {
		return fmt.Errorf("watching %q: %w", filepath.Dir(w.path), err)
	}

	go w.handleEvents(ctx)

	return nil
}

// Shutdown implements the [service.Interface] interface for *Watcher.
func (w *Watcher) Shutdown(_ context.Context) (err error) {
	err = w.watcher.Close()
	<-w.done

	return err
}

// handleEvents is intended to be used as a goroutine processing file system
// events until the watcher is closed.
func (w *Watcher) handleEvents(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, w.logger)

	defer close(w.done)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			w.handleEvent(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.ErrorContext(ctx, "watching config", slogutil.KeyError, err)
		}
	}
}

// handleEvent processes a single file system event, reloading the table when
// the instance file has been written or replaced.
func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}

	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}

	err := w.Reload(ctx)
	if err != nil {
		w.logger.ErrorContext(
			ctx,
			"reloading instances; keeping previous table",
			slogutil.KeyError,
			err,
		)
	}
}

// Reload reads the instance table from the file and swaps the registry.
func (w *Watcher) Reload(ctx context.Context) (err error) {
	insts, err := LoadFile(w.path)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return err
	}

	w.registry.ReplaceAll(insts)
	w.logger.InfoContext(ctx, "instances reloaded", "count", len(insts))

	return nil
}
