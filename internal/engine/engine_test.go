package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/srtd-go/srtd/internal/ledger"
	"github.com/srtd-go/srtd/internal/migration"
)

type fakeApplier struct {
	calls []string
}

func (f *fakeApplier) Apply(_ context.Context, templateName, sqlText string, _ bool) error {
	f.calls = append(f.calls, templateName)
	if strings.Contains(sqlText, "INVALID") {
		return fmt.Errorf("syntax error at or near %q", "INVALID")
	}
	return nil
}

func newTestEngine(t *testing.T, dir string, applier Applier) *Engine {
	t.Helper()
	templateDir := filepath.Join(dir, "templates")
	migrationDir := filepath.Join(dir, "migrations")
	if err := os.MkdirAll(templateDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		TemplateDir:  templateDir,
		Filter:       "**/*.sql",
		WIPIndicator: ".wip",
		Migration: migration.Options{
			TemplateDir:       "templates",
			MigrationDir:      migrationDir,
			FilenamePattern:   "$timestamp_$prefix$migrationName.sql",
			Prefix:            "srtd",
			WrapInTransaction: true,
		},
	}
	store := ledger.New(filepath.Join(dir, "shared.json"), filepath.Join(dir, "local.json"))
	return New(cfg, store, applier, nil)
}

func writeTemplate(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessSkipsAppliedCleanTemplate(t *testing.T) {
	dir := t.TempDir()
	applier := &fakeApplier{}
	e := newTestEngine(t, dir, applier)
	writeTemplate(t, e.cfg.TemplateDir, "a.sql", "select 1;")

	res, err := e.Process(context.Background(), Options{Apply: true})
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	if len(res.Applied) != 1 {
		t.Fatalf("expected one apply, got %+v", res)
	}

	res2, err := e.Process(context.Background(), Options{Apply: true})
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if len(res2.Applied) != 0 || len(res2.Skipped) != 1 {
		t.Fatalf("expected skip on unchanged re-apply, got %+v", res2)
	}
	if len(applier.calls) != 1 {
		t.Fatalf("expected exactly one Apply call across both runs, got %d", len(applier.calls))
	}
}

// S5 — WIP direct apply: applied, never emitted.
func TestProcessAppliesWIPTemplateButNeverEmits(t *testing.T) {
	dir := t.TempDir()
	applier := &fakeApplier{}
	e := newTestEngine(t, dir, applier)
	writeTemplate(t, e.cfg.TemplateDir, "x.wip.sql", "CREATE OR REPLACE FUNCTION f() RETURNS void AS $$ BEGIN END; $$ LANGUAGE plpgsql;")

	res, err := e.Process(context.Background(), Options{Apply: true, GenerateFiles: true})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Applied) != 1 {
		t.Fatalf("expected the WIP template to be applied, got %+v", res)
	}
	if len(res.Built) != 0 {
		t.Fatalf("expected no migration file for a WIP template, got %+v", res)
	}
	if entries, err := os.ReadDir(filepath.Join(dir, "migrations")); err == nil && len(entries) != 0 {
		t.Fatalf("expected no migration files on disk, found %d", len(entries))
	}
}

// S4 — Apply failure state.
func TestProcessApplyFailureRecordsErrorAndLeavesHashUnchanged(t *testing.T) {
	dir := t.TempDir()
	applier := &fakeApplier{}
	e := newTestEngine(t, dir, applier)
	writeTemplate(t, e.cfg.TemplateDir, "bad.sql", "INVALID SQL;")

	res, err := e.Process(context.Background(), Options{Apply: true})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly one error, got %+v", res.Errors)
	}
	if !strings.Contains(strings.ToLower(res.Errors[0].Message), "syntax error") {
		t.Fatalf("expected syntax error message, got %q", res.Errors[0].Message)
	}

	e.mu.Lock()
	state := e.local.Templates["bad.sql"]
	e.mu.Unlock()
	if state.LastAppliedHash != "" {
		t.Fatalf("expected last_applied_hash untouched on failure, got %q", state.LastAppliedHash)
	}
	if state.LastAppliedError == "" {
		t.Fatal("expected last_applied_error to be recorded")
	}
}

// S6 — Dependency ordering holds regardless of discovery order.
func TestProcessRespectsDependencyOrder(t *testing.T) {
	dir := t.TempDir()
	applier := &fakeApplier{}
	e := newTestEngine(t, dir, applier)
	writeTemplate(t, e.cfg.TemplateDir, "b.sql", "-- @depends-on: a.sql\nselect 2;")
	writeTemplate(t, e.cfg.TemplateDir, "a.sql", "select 1;")

	if _, err := e.Process(context.Background(), Options{Apply: true}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(applier.calls) != 2 || applier.calls[0] != "a" || applier.calls[1] != "b" {
		t.Fatalf("expected a applied before b, got %v", applier.calls)
	}
}

func TestProcessSkipsBuildCleanTemplate(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	writeTemplate(t, e.cfg.TemplateDir, "v.sql", "select 1;")

	res, err := e.Process(context.Background(), Options{GenerateFiles: true})
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	if len(res.Built) != 1 {
		t.Fatalf("expected one build, got %+v", res)
	}

	res2, err := e.Process(context.Background(), Options{GenerateFiles: true})
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if len(res2.Built) != 0 || len(res2.Skipped) != 1 {
		t.Fatalf("expected skip when unchanged since last build, got %+v", res2)
	}
}

func TestProcessForceRebuildsUnchangedTemplate(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	writeTemplate(t, e.cfg.TemplateDir, "v.sql", "select 1;")

	if _, err := e.Process(context.Background(), Options{GenerateFiles: true}); err != nil {
		t.Fatalf("first process: %v", err)
	}
	res, err := e.Process(context.Background(), Options{GenerateFiles: true, Force: true})
	if err != nil {
		t.Fatalf("forced process: %v", err)
	}
	if len(res.Built) != 1 {
		t.Fatalf("expected force to rebuild an unchanged template, got %+v", res)
	}
}

func TestProcessBundleSkipsWIPMember(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	writeTemplate(t, e.cfg.TemplateDir, "a.sql", "select 1;")
	writeTemplate(t, e.cfg.TemplateDir, "b.wip.sql", "select 2;")

	res, err := e.Process(context.Background(), Options{GenerateFiles: true, Bundle: true})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Built) != 1 || res.Built[0] != "a.sql" {
		t.Fatalf("expected only a.sql bundled, got %+v", res)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "b.wip.sql" {
		t.Fatalf("expected b.wip.sql skipped, got %+v", res)
	}
}

func TestGetStatusReflectsLedgerAfterProcess(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	path := writeTemplate(t, e.cfg.TemplateDir, "t.sql", "select 1;")

	before := e.GetStatus(path)
	if before.BuildState.LastAppliedHash != "" {
		t.Fatalf("expected no prior applied hash, got %+v", before)
	}

	if _, err := e.Process(context.Background(), Options{Apply: true}); err != nil {
		t.Fatalf("process: %v", err)
	}

	after := e.GetStatus(path)
	if after.BuildState.LastAppliedHash != after.CurrentHash {
		t.Fatalf("expected status to reflect the just-recorded apply, got %+v", after)
	}
}

func TestEnqueueDeduplicatesPendingPath(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir, &fakeApplier{})
	path := writeTemplate(t, e.cfg.TemplateDir, "t.sql", "select 1;")

	e.Enqueue(path)
	e.Enqueue(path)
	e.Enqueue(path)

	e.queueMu.Lock()
	n := len(e.queueOrder)
	e.queueMu.Unlock()
	if n != 1 {
		t.Fatalf("expected rapid repeat enqueues to collapse to one pending item, got %d", n)
	}
}

// S7 — the queue side of rapid-edit collapse: repeated enqueues of the same
// path before it drains produce exactly one apply.
func TestDrainAppliesCollapsedQueueEntryOnce(t *testing.T) {
	dir := t.TempDir()
	applier := &fakeApplier{}
	e := newTestEngine(t, dir, applier)
	path := writeTemplate(t, e.cfg.TemplateDir, "t.sql", "select 1;")

	e.Enqueue(path)
	e.Enqueue(path)
	e.Enqueue(path)

	e.Drain(context.Background(), Options{Apply: true})

	if len(applier.calls) != 1 {
		t.Fatalf("expected exactly one apply after collapsed enqueues, got %d", len(applier.calls))
	}
}

func TestEnqueueAllEmitsTemplateAddedForUnseenTemplates(t *testing.T) {
	dir := t.TempDir()
	var events []Event
	templateDir := filepath.Join(dir, "templates")
	if err := os.MkdirAll(templateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := Config{TemplateDir: templateDir, Filter: "**/*.sql", WIPIndicator: ".wip"}
	store := ledger.New(filepath.Join(dir, "shared.json"), filepath.Join(dir, "local.json"))
	e := New(cfg, store, &fakeApplier{}, func(ev Event) { events = append(events, ev) })
	writeTemplate(t, templateDir, "new.sql", "select 1;")

	if err := e.EnqueueAll(); err != nil {
		t.Fatalf("enqueue all: %v", err)
	}

	found := false
	for _, ev := range events {
		if ev.Kind == TemplateAdded && ev.Template == "new.sql" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a TemplateAdded event for new.sql, got %+v", events)
	}
}
