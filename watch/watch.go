// Package watch reports changes to shader and configuration files so a
// ray tracing pipeline can be rebuilt while the application runs.
//
// Files are watched through their parent directories, so editors that save
// by renaming a temporary file are handled. Bursts of events are coalesced
// for a debounce interval, and rebuild callbacks never overlap.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"

	"github.com/gogpu/rt"
)

// DefaultDebounce is the quiet period after the last event before a
// rebuild is triggered.
const DefaultDebounce = 100 * time.Millisecond

// Func is called with the sorted paths that changed since the last call.
// An error is logged and does not stop the watcher.
type Func func(ctx context.Context, changed []string) error

// Watcher calls a Func when any of a set of files changes.
type Watcher struct {
	fs       *fsnotify.Watcher
	files    map[string]bool
	fn       Func
	debounce time.Duration

	// busy admits one callback at a time.
	busy *semaphore.Weighted

	calls  atomic.Int64
	failed atomic.Int64
}

// New watches paths and calls fn after they change. A non-positive
// debounce selects DefaultDebounce.
func New(paths []string, debounce time.Duration, fn Func) (*Watcher, error) {
	if fn == nil {
		return nil, errors.New("watch: nil callback")
	}
	if len(paths) == 0 {
		return nil, errors.New("watch: no paths")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		fs:       fs,
		files:    make(map[string]bool, len(paths)),
		fn:       fn,
		debounce: debounce,
		busy:     semaphore.NewWeighted(1),
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fs.Close()
			return nil, fmt.Errorf("watch: %w", err)
		}
		w.files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return nil, fmt.Errorf("watch: add %s: %w", dir, err)
		}
		dirs[dir] = true
	}
	return w, nil
}

// Run dispatches events until ctx is done or Close is called. It waits for
// a running callback before returning.
func (w *Watcher) Run(ctx context.Context) error {
	log := rt.Logger()
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	defer w.drain()

	pending := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || !w.files[name] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debug("watch: event", "path", name, "op", ev.Op.String())
			pending[name] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch: watcher error", "err", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			if !w.busy.TryAcquire(1) {
				// A rebuild is running; retry once it has had time to finish.
				timer.Reset(w.debounce)
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			clear(pending)
			go w.call(ctx, changed)
		}
	}
}

func (w *Watcher) call(ctx context.Context, changed []string) {
	defer w.busy.Release(1)
	w.calls.Add(1)
	if err := w.fn(ctx, changed); err != nil {
		w.failed.Add(1)
		rt.Logger().Warn("watch: rebuild failed", "changed", changed, "err", err)
		return
	}
	rt.Logger().Info("watch: rebuilt", "changed", len(changed))
}

// drain waits for an in-flight callback.
func (w *Watcher) drain() {
	if err := w.busy.Acquire(context.Background(), 1); err == nil {
		w.busy.Release(1)
	}
}

// Calls returns the number of callbacks started and how many of them failed.
func (w *Watcher) Calls() (started, failed int64) {
	return w.calls.Load(), w.failed.Load()
}

// Close stops watching. Run returns once its event channels close.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
