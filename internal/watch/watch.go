// Package watch matches instances as soon as they are sealed.
//
// A Watcher observes the instance store with fsnotify: the store directory
// for new instances, and every instance directory for the SEALED marker.
// Each event triggers a scan that matches, oldest first, every sealed
// instance that has no product output yet, chaining each to its
// predecessor. Scans are idempotent, so missed or duplicated events only
// cost a directory listing.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/offermatch/internal/engine"
	"github.com/roach88/offermatch/internal/instance"
)

// ResultFunc is called after each attempt to match an instance. res is nil
// when err is not.
type ResultFunc func(name string, res *engine.Result, err error)

// Watcher runs the engine for newly sealed instances.
//
// Thread-safety: Run and Scan must not be called concurrently.
type Watcher struct {
	store    *instance.Store
	engine   *engine.Engine
	fsw      *fsnotify.Watcher
	onResult ResultFunc

	watched map[string]bool
	failed  map[string]bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithResultFunc registers a callback for match results.
func WithResultFunc(fn ResultFunc) Option {
	return func(w *Watcher) { w.onResult = fn }
}

// New creates a watcher over store. Call Close when done.
func New(store *instance.Store, eng *engine.Engine, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		store:   store,
		engine:  eng,
		fsw:     fsw,
		watched: make(map[string]bool),
		failed:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Close releases the fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run watches until ctx is done. It scans once on start, so instances sealed
// while no watcher was running are matched too.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.fsw.Add(w.store.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.store.Dir(), err)
	}
	slog.Info("watching instances", "dir", w.store.Dir())

	if _, err := w.Scan(ctx); err != nil {
		slog.Warn("initial scan failed", "error", err)
	}

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			slog.Debug("instance event", "path", event.Name, "op", event.Op.String())
			if _, err := w.Scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("scan failed", "error", err)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("instance watcher error", "error", err)

		case <-ctx.Done():
			slog.Debug("instance watcher stopping")
			return nil
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if event.Op&fsnotify.Create == 0 {
		return false
	}
	if instance.IsSealedMarker(event.Name) {
		return true
	}
	_, err := instance.ParseTimestamp(filepath.Base(event.Name))
	return err == nil
}

// Scan matches every sealed, unmatched instance in timestamp order and
// returns how many succeeded. Each instance chains to the latest instance
// with committed state, so a failed or aborted instance is skipped by the
// ones after it. A failed instance is not retried until the watcher
// restarts.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	all, err := w.store.List()
	if err != nil {
		return 0, err
	}

	matched := 0
	var prev *instance.Instance
	for _, inst := range all {
		if w.watch(inst) {
			// Sealed between the listing and the new watch: reload.
			if inst, err = w.store.Open(inst.Name()); err != nil {
				return matched, err
			}
		}

		if !inst.Sealed() || inst.HasProducts() || w.failed[inst.Name()] {
			if committed(inst) {
				prev = inst
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return matched, err
		}

		res, err := w.engine.Run(ctx, engine.Request{Current: inst, Previous: prev})
		if w.onResult != nil {
			w.onResult(inst.Name(), res, err)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return matched, err
			}
			w.failed[inst.Name()] = true
			slog.Error("instance match failed", "instance", inst.Name(), "error", err)
		} else {
			matched++
			prev = inst
		}
	}
	return matched, nil
}

// committed reports whether inst holds state a later instance can continue
// from.
func committed(inst *instance.Instance) bool {
	_, err := os.Stat(inst.StatePath())
	return err == nil
}

// watch adds an fsnotify watch on an unsealed instance directory. It
// reports whether a watch was added.
func (w *Watcher) watch(inst *instance.Instance) bool {
	if w.watched[inst.Name()] || inst.Sealed() {
		return false
	}
	if err := w.fsw.Add(inst.Dir()); err != nil {
		slog.Debug("cannot watch instance", "instance", inst.Name(), "error", err)
		return false
	}
	w.watched[inst.Name()] = true
	return true
}
