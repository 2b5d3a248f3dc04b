// Package watcher observes a template tree for filesystem changes and
// reports each changed file, once per settled edit, after a per-path
// debounce window.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Debouncer batches rapid triggers into a single action call after a quiet
// period. A monotonic sequence number invalidates any timer that was
// superseded by a later trigger, so only the most recent trigger's action
// ever fires. wg tracks in-flight actions for graceful shutdown: Cancel
// alone can only stop a pending (not yet fired) timer, never an action
// already running in its own time.AfterFunc goroutine — CancelAndWait
// blocks for that case.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64
	wg       sync.WaitGroup
}

// NewDebouncer creates a debouncer that calls action once, duration after
// the last Trigger call.
func NewDebouncer(duration time.Duration, action func()) *Debouncer {
	return &Debouncer{duration: duration, action: action}
}

// Trigger (re)schedules the action, resetting the quiet-period clock.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
	}
	d.seq++
	currentSeq := d.seq

	d.wg.Add(1)
	d.timer = time.AfterFunc(d.duration, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.seq != currentSeq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()

		d.action()
	})
}

// Cancel stops any pending action. Safe to call even if nothing is pending.
// Does not wait for an already-executing action to finish — use
// CancelAndWait for that.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
		d.timer = nil
	}
}

// CancelAndWait stops any pending action and blocks until any in-flight
// action completes. Use during shutdown so a caller closing resources the
// action depends on (a database pool) never races an action still running.
func (d *Debouncer) CancelAndWait() {
	d.Cancel()
	d.wg.Wait()
}

const defaultDebounce = 100 * time.Millisecond
const defaultFilter = "**/*.sql"

// Option configures a Watcher at construction time.
type Option func(*Watcher)

// WithDebounce overrides the default 100ms per-path debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithFilter overrides the default "**/*.sql" discovery glob used to decide
// which changed files are reported at all.
func WithFilter(filter string) Option {
	return func(w *Watcher) { w.filter = filter }
}

// Watcher observes a template tree and, after a per-path debounce settles,
// invokes onChange with the changed file's path. Events for paths that
// don't match the configured filter (a README, a .DS_Store, an editor
// swapfile) are ignored before they ever reach a debouncer, per §4.8
// ("ignores anything not matching *.sql"). Errors from the underlying
// fsnotify handle (a directory removed out from under the watch, a watch
// limit reached) are reported through onError and never interrupt the
// caller's control flow.
type Watcher struct {
	root     string
	filter   string
	debounce time.Duration
	onChange func(path string)
	onError  func(error)

	fsw *fsnotify.Watcher

	mu         sync.Mutex
	debouncers map[string]*Debouncer
	closed     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher rooted at root, recursively adding every directory
// found there. onChange and onError may be nil.
func New(root string, onChange func(path string), onError func(error), opts ...Option) (*Watcher, error) {
	if onChange == nil {
		onChange = func(string) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create: %w", err)
	}

	w := &Watcher{
		root:       root,
		filter:     defaultFilter,
		debounce:   defaultDebounce,
		onChange:   onChange,
		onError:    onError,
		fsw:        fsw,
		debouncers: make(map[string]*Debouncer),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil {
				w.onError(fmt.Errorf("watcher: watch %s: %w", path, addErr))
			}
		}
		return nil
	})
}

// matchesFilter reports whether path, relative to root, matches the
// configured discovery glob. A path that can't be made relative to root
// (shouldn't happen for events fsnotify reports under a watched directory)
// is conservatively excluded.
func (w *Watcher) matchesFilter(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	ok, err := doublestar.Match(w.filter, rel)
	if err != nil {
		w.onError(fmt.Errorf("watcher: bad filter %q: %w", w.filter, err))
		return false
	}
	return ok
}

// Start begins handling filesystem events in a background goroutine until
// ctx is canceled or Close is called. Call once per Watcher.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				w.onError(fmt.Errorf("watcher: %w", err))
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			if addErr := w.addTree(event.Name); addErr != nil {
				w.onError(fmt.Errorf("watcher: watch new directory %s: %w", event.Name, addErr))
			}
		}
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	if !w.matchesFilter(event.Name) {
		return
	}

	w.debouncerFor(event.Name).Trigger()
}

func (w *Watcher) debouncerFor(path string) *Debouncer {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.debouncers[path]
	if !ok {
		d = NewDebouncer(w.debounce, func() { w.onChange(path) })
		w.debouncers[path] = d
	}
	return d
}

// Close stops the event-handling goroutine, waits for every in-flight
// debounced action to finish (so a caller that closes a resource an action
// depends on — a database pool — right after Close returns never races a
// still-running action), and releases the underlying fsnotify handle.
// Idempotent.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	pending := make([]*Debouncer, 0, len(w.debouncers))
	for _, d := range w.debouncers {
		pending = append(pending, d)
	}
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	for _, d := range pending {
		d.CancelAndWait()
	}

	return w.fsw.Close()
}
