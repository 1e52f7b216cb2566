package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"passfiles/internal/pf"
)

// Watcher re-runs sync periodically and shortly after the local manifests
// change. A purge, when configured, runs on its own ticker in the same loop,
// so it never overlaps a sync pass.
type Watcher struct {
	dirs     []string
	interval time.Duration
	debounce time.Duration
	sync     func(context.Context) error
	purge    func(context.Context) error
	purgeInt time.Duration
	logger   pf.Logger
}

// NewWatcher creates a watcher over dirs. sync is called once at start, every
// interval, and debounce after the last manifest change in dirs.
func NewWatcher(dirs []string, interval, debounce time.Duration, sync func(context.Context) error, logger pf.Logger) *Watcher {
	if logger == nil {
		logger = pf.NewNopLogger()
	}
	return &Watcher{
		dirs:     dirs,
		interval: interval,
		debounce: debounce,
		sync:     sync,
		logger:   logger,
	}
}

// WithPurge schedules purge every interval.
func (w *Watcher) WithPurge(interval time.Duration, purge func(context.Context) error) *Watcher {
	w.purge = purge
	w.purgeInt = interval
	return w
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fsw.Close()

	for _, d := range w.dirs {
		if err := fsw.Add(d); err != nil {
			return fmt.Errorf("watching %s: %w", d, err)
		}
	}

	var tick, purgeTick <-chan time.Time
	if w.interval > 0 {
		t := time.NewTicker(w.interval)
		defer t.Stop()
		tick = t.C
	}
	if w.purge != nil && w.purgeInt > 0 {
		t := time.NewTicker(w.purgeInt)
		defer t.Stop()
		purgeTick = t.C
	}

	debounce := time.NewTimer(w.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	w.runSync(ctx, fsw, "start")
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != "manifest.json" {
				continue
			}
			debounce.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-debounce.C:
			w.runSync(ctx, fsw, "change")

		case <-tick:
			w.runSync(ctx, fsw, "interval")

		case <-purgeTick:
			if err := w.purge(ctx); err != nil {
				w.logger.Error("purge failed", "error", err)
			}
		}
	}
}

// runSync runs one sync and then drops the file events the sync itself caused.
func (w *Watcher) runSync(ctx context.Context, fsw *fsnotify.Watcher, reason string) {
	w.logger.Debug("sync triggered", "reason", reason)
	if err := w.sync(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error("sync failed", "reason", reason, "error", err)
	}
	for {
		select {
		case <-fsw.Events:
		default:
			return
		}
	}
}
