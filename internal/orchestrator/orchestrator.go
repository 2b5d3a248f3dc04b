// Package orchestrator composes the content hasher, ledger store, dependency
// resolver, migration emitter, database applier, template engine, and
// filesystem watcher into the single facade external collaborators (a CLI,
// a TUI) drive. It owns process-lifetime resources — the watcher goroutine,
// the database pool, both ledgers — and guarantees their release on every
// exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/srtd-go/srtd/internal/config"
	"github.com/srtd-go/srtd/internal/dbapply"
	"github.com/srtd-go/srtd/internal/engine"
	"github.com/srtd-go/srtd/internal/ledger"
	"github.com/srtd-go/srtd/internal/migration"
	"github.com/srtd-go/srtd/internal/watcher"
)

const activityBufferSize = 50

// Handler reacts to one Event. Handlers run synchronously, in registration
// order, on the goroutine that produced the event; a handler that panics or
// blocks indefinitely affects the caller same as any other function call —
// the orchestrator does not recover or time them out.
type Handler func(engine.Event)

// Orchestrator is the scope-bound facade over C1-C8. Construct with New,
// always release with Close.
type Orchestrator struct {
	cfg     config.Config
	engine  *engine.Engine
	applier *dbapply.Applier
	watcher *watcher.Watcher

	mu       sync.Mutex
	handlers map[engine.EventKind][]Handler
	activity []engine.Event

	warningsMu sync.Mutex
	warnings   []error

	closeOnce sync.Once
}

// New constructs an Orchestrator for the project rooted at projectRoot,
// loading .srtdrc.json (degrading to defaults with a warning on malformed
// input, never aborting) and preparing the database applier, ledger store,
// and template engine. The connection pool itself is opened lazily on first
// use by the applier, not here.
func New(projectRoot string) (*Orchestrator, error) {
	cfg, warn := config.Load(projectRoot)

	// Relative paths in the config are resolved against projectRoot; the
	// migration header keeps naming the template directory as configured.
	headerTemplateDir := cfg.TemplateDir
	for _, p := range []*string{&cfg.TemplateDir, &cfg.MigrationDir, &cfg.BuildLog, &cfg.LocalBuildLog} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(projectRoot, *p)
		}
	}

	o := &Orchestrator{
		cfg:      cfg,
		handlers: make(map[engine.EventKind][]Handler),
	}
	if warn != nil {
		o.recordWarning(warn)
	}

	o.applier = dbapply.New(cfg.PgConnection)
	ledgers := ledger.New(cfg.BuildLog, cfg.LocalBuildLog)

	o.engine = engine.New(engine.Config{
		TemplateDir:  cfg.TemplateDir,
		Filter:       cfg.Filter,
		WIPIndicator: cfg.WIPIndicator,
		Migration: migration.Options{
			TemplateDir:       headerTemplateDir,
			MigrationDir:      cfg.MigrationDir,
			FilenamePattern:   cfg.MigrationFilename,
			Prefix:            cfg.MigrationPrefix,
			WrapInTransaction: cfg.WrapInTransaction,
			Banner:            cfg.Banner,
			Footer:            cfg.Footer,
		},
	}, ledgers, o.applier, o.emit)

	return o, nil
}

// emit is the engine's sink: it records the event in the recent-activity
// ring buffer and fans it out to every handler registered for its kind.
func (o *Orchestrator) emit(ev engine.Event) {
	o.mu.Lock()
	o.activity = append(o.activity, ev)
	if len(o.activity) > activityBufferSize {
		o.activity = o.activity[len(o.activity)-activityBufferSize:]
	}
	handlers := append([]Handler(nil), o.handlers[ev.Kind]...)
	o.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// On registers handler to run whenever an event of kind is emitted.
func (o *Orchestrator) On(kind engine.EventKind, handler Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[kind] = append(o.handlers[kind], handler)
}

// Build runs a batch that emits migration files for eligible templates: find
// templates, decide per template, emit. It also applies them only when
// opts.Apply is set.
func (o *Orchestrator) Build(ctx context.Context, opts engine.Options) (engine.BatchResult, error) {
	opts.GenerateFiles = true
	return o.engine.Process(ctx, opts)
}

// Apply runs an apply-only batch against the configured database.
func (o *Orchestrator) Apply(ctx context.Context, opts engine.Options) (engine.BatchResult, error) {
	opts.Apply = true
	opts.GenerateFiles = false
	return o.engine.Process(ctx, opts)
}

// Process runs a batch with whatever combination of Apply/GenerateFiles/
// Force/Bundle opts specifies, exactly as the engine would on its own. Build
// and Apply above are the two common single-lane conveniences.
func (o *Orchestrator) Process(ctx context.Context, opts engine.Options) (engine.BatchResult, error) {
	return o.engine.Process(ctx, opts)
}

// Watch enqueues every discovered template, starts the filesystem watcher,
// and drains the queue with opts once before returning; after that it
// enqueues changed templates and drains with opts on every settled change. The returned closer stops the watcher; it does not close
// the orchestrator's other resources — call Close for full teardown.
func (o *Orchestrator) Watch(ctx context.Context, opts engine.Options) (func() error, error) {
	if err := o.engine.EnqueueAll(); err != nil {
		return nil, fmt.Errorf("orchestrator: initial enqueue: %w", err)
	}

	w, err := watcher.New(o.cfg.TemplateDir, func(path string) {
		o.engine.Enqueue(path)
		o.engine.Drain(ctx, opts)
	}, func(err error) {
		o.recordWarning(fmt.Errorf("watcher: %w", err))
	}, watcher.WithFilter(o.cfg.Filter))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start watcher: %w", err)
	}
	o.watcher = w
	w.Start(ctx)
	o.engine.Drain(ctx, opts)

	return w.Close, nil
}

// FindTemplates lists every discovered template's absolute path.
func (o *Orchestrator) FindTemplates() ([]string, error) {
	return o.engine.FindTemplates()
}

// GetStatus returns the merged current/ledger status for one template path.
func (o *Orchestrator) GetStatus(path string) engine.Status {
	return o.engine.GetStatus(path)
}

// GetRecentActivity returns up to the last 50 events emitted by the engine,
// oldest first.
func (o *Orchestrator) GetRecentActivity() []engine.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]engine.Event, len(o.activity))
	copy(out, o.activity)
	return out
}

// GetValidationWarnings aggregates the warnings collected since
// construction: the orchestrator's own (config load, watcher) first, then
// the engine's (ledger loads, missing templates, cycles), each group in the
// order it was recorded.
func (o *Orchestrator) GetValidationWarnings() []error {
	o.warningsMu.Lock()
	defer o.warningsMu.Unlock()

	out := make([]error, len(o.warnings))
	copy(out, o.warnings)
	for _, w := range o.engine.ValidationWarnings() {
		out = append(out, w)
	}
	return out
}

func (o *Orchestrator) recordWarning(err error) {
	o.warningsMu.Lock()
	o.warnings = append(o.warnings, err)
	o.warningsMu.Unlock()
	log.Printf("srtd: %v", err)
}

// Close releases every process-lifetime resource exactly once: the watcher
// (if started), the database connection pool, and a final flush of both
// ledgers. Safe to call multiple times and on every exit path (success,
// caught error, or scope exit), mirroring the teacher's DoltStore.Close
// shape of stop-then-lock-then-release.
func (o *Orchestrator) Close() error {
	var closeErr error
	o.closeOnce.Do(func() {
		var errs []error
		if o.watcher != nil {
			if err := o.watcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("watcher close: %w", err))
			}
		}
		if err := o.engine.FlushLedgers(); err != nil {
			errs = append(errs, fmt.Errorf("final ledger flush: %w", err))
		}
		o.applier.Close()
		closeErr = errors.Join(errs...)
	})
	return closeErr
}
