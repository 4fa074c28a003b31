// Package watch re-runs acquisition when the manifest file changes.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the burst of events an editor or a copy produces.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors one manifest file. The parent directory is watched rather
// than the file itself so that editors replacing the file through a rename
// are still seen.
type Watcher struct {
	path     string
	debounce time.Duration
	log      zerolog.Logger

	watching chan struct{} // closed once the fsnotify watch is in place
	runs     atomic.Int64

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64 // bumped on every schedule; stale timer callbacks bail out
}

// New creates a watcher for path.
func New(path string, debounce time.Duration, log zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		log:      log,
		watching: make(chan struct{}),
	}, nil
}

// Runs returns how many times fn has been invoked.
func (w *Watcher) Runs() int64 { return w.runs.Load() }

// Run calls fn after every debounced change to the manifest until ctx is
// cancelled. Calls never overlap: a change during a run schedules exactly one
// follow-up run.
func (w *Watcher) Run(ctx context.Context, fn func(context.Context)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.log.Info().Str("manifest", w.path).Dur("debounce", w.debounce).Msg("watching manifest for changes")
	close(w.watching)

	trigger := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
				w.runs.Add(1)
				fn(ctx)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			<-done
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.matches(event) {
				continue
			}
			w.log.Debug().Str("op", event.Op.String()).Msg("manifest changed")
			w.schedule(trigger)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}

// schedule debounces change events.
func (w *Watcher) schedule(trigger chan<- struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(trigger)
}

// scheduleLocked replaces any pending timer. A callback that already fired
// but has not taken mu yet sees a newer generation and does nothing.
func (w *Watcher) scheduleLocked(trigger chan<- struct{}) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.gen != gen {
			w.mu.Unlock()
			return
		}
		w.timer = nil
		w.mu.Unlock()

		select {
		case trigger <- struct{}{}:
		default: // a run is already queued
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}
