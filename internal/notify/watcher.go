// Package notify watches a directory and reports every file created in it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Func is called with the base name of every created file. Calls are
// sequential, a slow Func delays the following events.
type Func func(ctx context.Context, name string)

var ErrRunning = errors.New("watcher already running")

// Watcher can be started again after Stop.
type Watcher struct {
	dir string
	fn  Func

	mx      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(dir string, fn Func) *Watcher {
	return &Watcher{dir: dir, fn: fn}
}

// Start begins watching the directory, it does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.watcher != nil {
		return ErrRunning
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher = fw
	w.cancel = cancel
	w.wg.Go(func() {
		w.loop(ctx, fw)
	})
	slog.DebugContext(ctx, "watcher started", "dir", w.dir)
	return nil
}

// Stop ends the watch and waits for the event loop to exit. Stopping a
// stopped watcher is a no-op.
func (w *Watcher) Stop() error {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	w.watcher = nil
	w.cancel = nil
	return err
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			w.fn(ctx, filepath.Base(event.Name))
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			// an overflow means lost events, there is no way to recover them
			slog.ErrorContext(ctx, "watcher error", "dir", w.dir, "error", err)
		}
	}
}
