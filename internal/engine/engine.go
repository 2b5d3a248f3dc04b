// Package engine implements the TemplateEngine: the central state machine
// that discovers templates, decides per-template work, serializes
// concurrent filesystem events into an ordered processing queue, drives the
// database applier and migration emitter, and keeps both ledgers
// consistent under concurrent mutation.
package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/srtd-go/srtd/internal/depgraph"
	"github.com/srtd-go/srtd/internal/hash"
	"github.com/srtd-go/srtd/internal/ledger"
	"github.com/srtd-go/srtd/internal/migration"
	"github.com/srtd-go/srtd/internal/tmpl"
)

// diagLog is where the engine writes diagnostic output: warnings recorded
// against a template or the dependency graph, the way the teacher's
// eventbus and storage layers log directly to stderr rather than through a
// structured logger those packages never import.
var diagLog = log.New(os.Stderr, "srtd: ", log.LstdFlags)

// EventKind tags the events the engine publishes on its sink.
type EventKind string

const (
	TemplateAdded   EventKind = "templateAdded"
	TemplateChanged EventKind = "templateChanged"
	TemplateApplied EventKind = "templateApplied"
	TemplateBuilt   EventKind = "templateBuilt"
	TemplateError   EventKind = "templateError"
)

// Event is published for each per-template state transition. Error is
// always a plain string, never a wrapped error object (§4.7, §7).
type Event struct {
	Kind     EventKind
	Template string
	Error    string
}

// Options controls one process() run.
type Options struct {
	Apply         bool
	GenerateFiles bool
	Force         bool
	Bundle        bool
}

// Status merges the cached current hash/WIP state with ledger-derived
// build state for one template.
type Status struct {
	Name        string
	Path        string
	CurrentHash string
	WIP         bool
	BuildState  ledger.TemplateBuildState
}

// EventError pairs a template with the message recorded for it.
type EventError struct {
	Template string
	Message  string
}

// BatchResult aggregates the outcome of one process() run or drain cycle.
type BatchResult struct {
	Built   []string
	Applied []string
	Skipped []string
	Errors  []EventError
}

// Applier applies a template's rendered SQL to the target database. Satisfied
// by *dbapply.Applier; a narrow local interface keeps the engine's tests free
// of a live Postgres connection.
type Applier interface {
	Apply(ctx context.Context, templateName, sqlText string, silent bool) error
}

// Config is the subset of project configuration the engine needs.
type Config struct {
	TemplateDir  string
	Filter       string // discovery glob, e.g. "**/*.sql"
	WIPIndicator string
	Migration    migration.Options
}

type cachedStatus struct {
	status    Status
	fetchedAt time.Time
}

// statusCacheTTL collapses repeated status queries during a batch (§4.7).
const statusCacheTTL = time.Second

// activityBufferSize bounds the recent-activity ring buffer (§6).
const activityBufferSize = 50

// Engine is the central state machine composing discovery, hashing,
// dependency resolution, the two ledgers, the migration emitter, and the
// database applier. The Engine uniquely owns both in-memory ledger structs;
// persistence via Store is the only path by which they escape (§3).
type Engine struct {
	cfg     Config
	ledgers *ledger.Store
	applier Applier
	sink    func(Event)

	mu          sync.Mutex
	shared      *ledger.BuildLog
	local       *ledger.BuildLog
	statusCache map[string]cachedStatus
	warnings    []ledger.Warning

	queueMu    sync.Mutex
	queued     map[string]bool
	queueOrder []string
	processing string
	draining   bool

	activityMu sync.Mutex
	activity   []Event
}

// New constructs an Engine. sink may be nil, in which case events are
// dropped (a facade normally wires this to its event bus).
func New(cfg Config, ledgers *ledger.Store, applier Applier, sink func(Event)) *Engine {
	if sink == nil {
		sink = func(Event) {}
	}
	return &Engine{
		cfg:         cfg,
		ledgers:     ledgers,
		applier:     applier,
		sink:        sink,
		statusCache: make(map[string]cachedStatus),
		queued:      make(map[string]bool),
	}
}

// FindTemplates globs the configured template directory for the configured
// filter (default "**/*.sql") and returns the matches joined onto the
// configured template directory (absolute when that directory is absolute),
// in a stable, sorted order.
func (e *Engine) FindTemplates() ([]string, error) {
	filter := e.cfg.Filter
	if filter == "" {
		filter = "**/*.sql"
	}

	var paths []string
	walkErr := doublestar.GlobWalk(os.DirFS(e.cfg.TemplateDir), filter, func(path string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		paths = append(paths, filepath.Join(e.cfg.TemplateDir, path))
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("engine: discover templates: %w", walkErr)
	}

	sort.Strings(paths)
	return paths, nil
}

// ensureLedgersLoaded loads both ledgers on first use, recording any
// malformed-document warnings rather than failing (§4.3).
func (e *Engine) ensureLedgersLoaded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shared != nil {
		return
	}

	shared, warn := e.ledgers.Load(ledger.Shared)
	if warn != nil {
		e.warnings = append(e.warnings, *warn)
		diagLog.Print(warn.Error())
	}
	local, warn := e.ledgers.Load(ledger.Local)
	if warn != nil {
		e.warnings = append(e.warnings, *warn)
		diagLog.Print(warn.Error())
	}
	e.shared = shared
	e.local = local
}

// recordWarning appends w to the in-memory warning list under e.mu and
// writes it to diagLog. Every append to e.warnings goes through this, except
// in ensureLedgersLoaded, which already holds e.mu and does the same two
// steps inline; either way a warning is both queryable via
// ValidationWarnings and visible on stderr as it happens.
func (e *Engine) recordWarning(w ledger.Warning) {
	e.mu.Lock()
	e.warnings = append(e.warnings, w)
	e.mu.Unlock()
	diagLog.Print(w.Error())
}

// GetStatus returns the merged status for path, using a TTL-bounded cache
// that is invalidated on write. A missing file yields an empty-hash
// placeholder and a warning — never an error (§7 TemplateNotFound).
func (e *Engine) GetStatus(path string) Status {
	e.ensureLedgersLoaded()

	e.mu.Lock()
	if cached, ok := e.statusCache[path]; ok && time.Since(cached.fetchedAt) < statusCacheTTL {
		e.mu.Unlock()
		return cached.status
	}
	e.mu.Unlock()

	status := e.computeStatus(path)

	e.mu.Lock()
	e.statusCache[path] = cachedStatus{status: status, fetchedAt: time.Now()}
	e.mu.Unlock()

	return status
}

func (e *Engine) computeStatus(path string) Status {
	rel := e.relativePath(path)
	name := templateName(path)
	wip := e.isWIP(path)

	content, err := os.ReadFile(path) // #nosec G304 - path comes from configured template discovery
	if err != nil {
		e.recordWarning(ledger.Warning{Path: path, Message: "template file not found"})
		return Status{Name: name, Path: path, WIP: wip}
	}

	currentHash := hash.Content(content)

	e.mu.Lock()
	merged := ledger.Merge(e.shared.Templates[rel], e.local.Templates[rel])
	e.mu.Unlock()

	return Status{
		Name:        name,
		Path:        path,
		CurrentHash: currentHash,
		WIP:         wip,
		BuildState:  merged,
	}
}

func (e *Engine) invalidateStatus(path string) {
	e.mu.Lock()
	delete(e.statusCache, path)
	e.mu.Unlock()
}

// ValidationWarnings returns every ConfigWarning/ledger warning observed so
// far.
func (e *Engine) ValidationWarnings() []ledger.Warning {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ledger.Warning, len(e.warnings))
	copy(out, e.warnings)
	return out
}

// RecentActivity returns up to activityBufferSize most-recent events.
func (e *Engine) RecentActivity() []Event {
	e.activityMu.Lock()
	defer e.activityMu.Unlock()
	out := make([]Event, len(e.activity))
	copy(out, e.activity)
	return out
}

func (e *Engine) emit(ev Event) {
	e.activityMu.Lock()
	e.activity = append(e.activity, ev)
	if len(e.activity) > activityBufferSize {
		e.activity = e.activity[len(e.activity)-activityBufferSize:]
	}
	e.activityMu.Unlock()

	e.sink(ev)
}

// Process discovers all templates, resolves their dependency order, decides
// per-template work per the rules in §4.7, and returns the aggregated
// result. Ledgers are persisted once at the end of the run.
func (e *Engine) Process(ctx context.Context, opts Options) (BatchResult, error) {
	e.ensureLedgersLoaded()

	paths, err := e.FindTemplates()
	if err != nil {
		return BatchResult{}, err
	}

	contents := make(map[string][]byte, len(paths))
	nodes := make([]depgraph.Node, 0, len(paths))
	for _, p := range paths {
		b, readErr := os.ReadFile(p) // #nosec G304 - path comes from configured template discovery
		if readErr != nil {
			e.recordWarning(ledger.Warning{Path: p, Message: "template file disappeared before read"})
			continue
		}
		contents[p] = b
		nodes = append(nodes, depgraph.Node{Path: p, Name: templateName(p)})
	}

	graph := depgraph.Build(nodes, contents)
	order, cycles := graph.TopoOrder()
	for _, c := range cycles {
		e.recordWarning(ledger.Warning{
			Path:    "dependency graph",
			Message: fmt.Sprintf("cycle detected: %s", strings.Join(c, " -> ")),
		})
	}

	result := BatchResult{}

	switch {
	case opts.Bundle && opts.GenerateFiles:
		e.processBundle(order, contents, opts, &result)
		if opts.Apply {
			for _, path := range order {
				e.processApplyOnly(ctx, path, contents[path], opts, &result)
			}
		}
	default:
		for _, path := range order {
			e.processOne(ctx, path, contents[path], opts, &result)
		}
	}

	if err := e.persistLedgers(); err != nil {
		return result, err
	}

	return result, nil
}

func (e *Engine) processOne(ctx context.Context, path string, content []byte, opts Options, result *BatchResult) {
	rel := e.relativePath(path)
	name := templateName(path)
	wip := e.isWIP(path)
	currentHash := hash.Content(content)

	e.emit(Event{Kind: TemplateChanged, Template: rel})

	attempted := false
	if opts.Apply {
		if e.decideAndApply(ctx, name, rel, currentHash, content, opts, result) {
			attempted = true
		}
	}
	if opts.GenerateFiles {
		t := tmpl.Template{Name: name, Path: path, RelativePath: rel, CurrentHash: currentHash, WIP: wip}
		if e.decideAndEmit(t, content, opts, result) {
			attempted = true
		}
	}
	if !attempted {
		result.Skipped = append(result.Skipped, rel)
	}

	e.invalidateStatus(path)
}

func (e *Engine) processApplyOnly(ctx context.Context, path string, content []byte, opts Options, result *BatchResult) {
	rel := e.relativePath(path)
	name := templateName(path)
	currentHash := hash.Content(content)

	e.emit(Event{Kind: TemplateChanged, Template: rel})

	if !e.decideAndApply(ctx, name, rel, currentHash, content, opts, result) {
		result.Skipped = append(result.Skipped, rel)
	}

	e.invalidateStatus(path)
}

// decideAndApply implements rule 1 (skip if applied-clean and not forced)
// and rule 2 (a WIP template is still applied). It returns whether an apply
// was attempted, regardless of outcome.
func (e *Engine) decideAndApply(ctx context.Context, name, rel, currentHash string, content []byte, opts Options, result *BatchResult) bool {
	e.mu.Lock()
	localState := e.local.Templates[rel]
	e.mu.Unlock()

	if !opts.Force && localState.LastAppliedHash == currentHash {
		return false
	}

	err := e.applyTemplate(ctx, name, rel, currentHash, string(content))
	if err != nil {
		result.Errors = append(result.Errors, EventError{Template: rel, Message: err.Error()})
		e.emit(Event{Kind: TemplateError, Template: rel, Error: err.Error()})
	} else {
		result.Applied = append(result.Applied, rel)
		e.emit(Event{Kind: TemplateApplied, Template: rel})
	}
	return true
}

// decideAndEmit implements rule 3 (WIP never emits) and rule 4 (skip when
// unchanged since last build and not forced). It returns whether an emit
// was attempted, regardless of outcome.
func (e *Engine) decideAndEmit(t tmpl.Template, content []byte, opts Options, result *BatchResult) bool {
	if t.WIP {
		return false
	}

	e.mu.Lock()
	sharedState := e.shared.Templates[t.RelativePath]
	e.mu.Unlock()

	if !opts.Force && sharedState.LastBuildHash == t.CurrentHash {
		return false
	}

	err := e.emitTemplate(t, content)
	if err != nil {
		result.Errors = append(result.Errors, EventError{Template: t.RelativePath, Message: err.Error()})
		e.emit(Event{Kind: TemplateError, Template: t.RelativePath, Error: err.Error()})
	} else {
		result.Built = append(result.Built, t.RelativePath)
		e.emit(Event{Kind: TemplateBuilt, Template: t.RelativePath})
	}
	return true
}

// processBundle emits one migration file covering every non-WIP,
// changed-since-last-build template in order, skipping the rest. Rendering
// a single member cannot fail on its own; if the bundle file cannot be
// allocated or written, every member is reported as an error (§4.5 bundle
// mode).
func (e *Engine) processBundle(order []string, contents map[string][]byte, opts Options, result *BatchResult) {
	var items []migration.BundleItem

	for _, path := range order {
		rel := e.relativePath(path)
		name := templateName(path)
		wip := e.isWIP(path)
		content := contents[path]
		currentHash := hash.Content(content)

		e.emit(Event{Kind: TemplateChanged, Template: rel})

		if wip {
			result.Skipped = append(result.Skipped, rel)
			continue
		}

		e.mu.Lock()
		sharedState := e.shared.Templates[rel]
		e.mu.Unlock()
		if !opts.Force && sharedState.LastBuildHash == currentHash {
			result.Skipped = append(result.Skipped, rel)
			continue
		}

		items = append(items, migration.BundleItem{
			Template: tmpl.Template{Name: name, Path: path, RelativePath: rel, CurrentHash: currentHash, WIP: wip},
			Body:     content,
		})
	}

	if len(items) == 0 {
		return
	}

	e.mu.Lock()
	_, itemErrs, err := migration.EmitBundle(e.cfg.Migration, items, e.shared, time.Now())
	e.mu.Unlock()

	if err != nil {
		for _, it := range items {
			result.Errors = append(result.Errors, EventError{Template: it.Template.RelativePath, Message: err.Error()})
			e.emit(Event{Kind: TemplateError, Template: it.Template.RelativePath, Error: err.Error()})
		}
		return
	}

	for _, it := range items {
		rel := it.Template.RelativePath
		if itemErr, failed := itemErrs[rel]; failed {
			result.Errors = append(result.Errors, EventError{Template: rel, Message: itemErr.Error()})
			e.emit(Event{Kind: TemplateError, Template: rel, Error: itemErr.Error()})
			continue
		}
		result.Built = append(result.Built, rel)
		e.emit(Event{Kind: TemplateBuilt, Template: rel})
	}
}

func (e *Engine) applyTemplate(ctx context.Context, name, rel, currentHash, sqlText string) error {
	err := e.applier.Apply(ctx, name, sqlText, false)

	e.mu.Lock()
	state := e.local.Templates[rel]
	if err != nil {
		state.LastAppliedError = err.Error()
		// last_applied_hash is left untouched so a retry with unchanged
		// content is not elided (§4.7 ledger update policy).
	} else {
		state.LastAppliedHash = currentHash
		state.LastAppliedDate = time.Now().UTC().Format(time.RFC3339)
		state.LastAppliedError = ""
	}
	e.local.Templates[rel] = state
	e.mu.Unlock()

	return err
}

func (e *Engine) emitTemplate(t tmpl.Template, content []byte) error {
	e.mu.Lock()
	_, err := migration.Emit(e.cfg.Migration, t, content, e.shared, time.Now())
	if err != nil {
		state := e.shared.Templates[t.RelativePath]
		state.LastBuildError = err.Error()
		e.shared.Templates[t.RelativePath] = state
	}
	e.mu.Unlock()
	return err
}

func (e *Engine) persistLedgers() error {
	e.mu.Lock()
	shared, local := e.shared, e.local
	e.mu.Unlock()

	if shared != nil {
		if err := e.ledgers.Save(ledger.Shared, shared); err != nil {
			return fmt.Errorf("engine: save shared ledger: %w", err)
		}
	}
	if local != nil {
		if err := e.ledgers.Save(ledger.Local, local); err != nil {
			return fmt.Errorf("engine: save local ledger: %w", err)
		}
	}
	return nil
}

// FlushLedgers persists whatever is currently held in memory for both
// ledgers, without discovering templates or emitting any events. Intended
// for final teardown (the orchestrator's Close), where a caller wants the
// last in-memory mutations written to disk but has no batch to run and no
// per-template event stream to produce — unlike Process, which always
// resolves each template with a TemplateApplied/TemplateBuilt/TemplateError
// event and so is the wrong tool for a plain flush.
func (e *Engine) FlushLedgers() error {
	e.ensureLedgersLoaded()
	return e.persistLedgers()
}

// Enqueue adds path to the pending work set if it is neither queued nor
// currently processing. Idempotent — a storm of edits to one file collapses
// to at most one pending item.
func (e *Engine) Enqueue(path string) {
	e.invalidateStatus(path)

	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if e.queued[path] || e.processing == path {
		return
	}
	e.queued[path] = true
	e.queueOrder = append(e.queueOrder, path)
}

// EnqueueAll discovers every template and enqueues it, emitting
// TemplateAdded for any template never before seen in either ledger. Used
// on watch() startup so unapplied/unbuilt items are caught up (§4.7
// Initial-scan semantics).
func (e *Engine) EnqueueAll() error {
	e.ensureLedgersLoaded()

	paths, err := e.FindTemplates()
	if err != nil {
		return err
	}

	for _, p := range paths {
		rel := e.relativePath(p)

		e.mu.Lock()
		_, inShared := e.shared.Templates[rel]
		_, inLocal := e.local.Templates[rel]
		e.mu.Unlock()

		if !inShared && !inLocal {
			e.emit(Event{Kind: TemplateAdded, Template: rel})
		}
		e.Enqueue(p)
	}
	return nil
}

func (e *Engine) popQueue() (string, bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if len(e.queueOrder) == 0 {
		return "", false
	}
	path := e.queueOrder[0]
	e.queueOrder = e.queueOrder[1:]
	delete(e.queued, path)
	e.processing = path
	return path, true
}

// Drain pops queued templates one at a time and runs the decision rules
// for each, until the queue is empty. Only one drain runs at a time per
// engine instance; a concurrent call while a drain is in flight is a no-op
// — the in-flight drain will pick up anything enqueued meanwhile.
func (e *Engine) Drain(ctx context.Context, opts Options) {
	e.queueMu.Lock()
	if e.draining {
		e.queueMu.Unlock()
		return
	}
	e.draining = true
	e.queueMu.Unlock()

	defer func() {
		e.queueMu.Lock()
		e.draining = false
		e.queueMu.Unlock()
	}()

	for {
		path, ok := e.popQueue()
		if !ok {
			return
		}
		e.drainOne(ctx, path, opts)
	}
}

func (e *Engine) drainOne(ctx context.Context, path string, opts Options) {
	defer func() {
		e.queueMu.Lock()
		e.processing = ""
		e.queueMu.Unlock()
	}()

	e.ensureLedgersLoaded()

	content, err := os.ReadFile(path) // #nosec G304 - path comes from configured template discovery
	if err != nil {
		// TemplateNotFound: the file disappeared between enqueue and read.
		// Logged, skipped, never an error (§7).
		e.recordWarning(ledger.Warning{Path: path, Message: "template file not found"})
		return
	}

	var result BatchResult
	e.processOne(ctx, path, content, opts, &result)

	if persistErr := e.persistLedgers(); persistErr != nil {
		e.emit(Event{Kind: TemplateError, Template: e.relativePath(path), Error: persistErr.Error()})
	}
}

func (e *Engine) relativePath(path string) string {
	rel, err := filepath.Rel(e.cfg.TemplateDir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func templateName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (e *Engine) isWIP(path string) bool {
	marker := e.cfg.WIPIndicator
	if marker == "" {
		marker = ".wip"
	}
	return strings.Contains(path, marker)
}
