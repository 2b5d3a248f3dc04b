// Package migration renders and writes timestamped migration files derived
// from SQL templates, and keeps the shared ledger's build-side fields in
// sync with what was written.
package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/srtd-go/srtd/internal/ledger"
	"github.com/srtd-go/srtd/internal/tmpl"
	"github.com/srtd-go/srtd/internal/tsid"
)

// Options configures migration rendering and output, sourced from the
// project's .srtdrc.json.
type Options struct {
	TemplateDir       string
	MigrationDir      string
	FilenamePattern   string // e.g. "$timestamp_$prefix$migrationName.sql"
	Prefix            string
	WrapInTransaction bool
	Banner            string
	Footer            string
}

const provenanceLine = "-- Built with https://github.com/t1mmen/srtd"

// Filename substitutes $timestamp, $prefix, and $migrationName into pattern
// using literal replacement only (never regexp.ReplaceAll), so a migration
// name containing "$&" or "$1" can never trigger replacement-pattern
// expansion (§9 design note).
func Filename(pattern, timestamp, prefix, migrationName string) string {
	prefixExpansion := ""
	if prefix != "" {
		prefixExpansion = prefix + "-"
	}
	out := strings.ReplaceAll(pattern, "$timestamp", timestamp)
	out = strings.ReplaceAll(out, "$prefix", prefixExpansion)
	out = strings.ReplaceAll(out, "$migrationName", migrationName)
	return out
}

func header(templateDir, name string) string {
	return fmt.Sprintf("-- Generated with srtd from template: %s/%s.sql", templateDir, name)
}

func lastBuiltLine(previous string) string {
	if previous == "" {
		previous = "Never"
	}
	return fmt.Sprintf("-- Last built: %s", previous)
}

// render composes the migration file body in the exact order mandated by
// §4.5/§6: header, optional banner, optional BEGIN;, body, optional COMMIT;,
// footer, "last built" line, provenance line.
func render(opts Options, name string, body []byte, previousMigrationFile string) []byte {
	var b strings.Builder

	b.WriteString(header(opts.TemplateDir, name))
	b.WriteString("\n")

	if opts.Banner != "" {
		b.WriteString("-- ")
		b.WriteString(opts.Banner)
		b.WriteString("\n")
	}

	if opts.WrapInTransaction {
		b.WriteString("BEGIN;\n\n")
	}

	b.Write(body)

	if opts.WrapInTransaction {
		b.WriteString("\n\nCOMMIT;")
	}

	if opts.Footer != "" {
		b.WriteString("\n")
		b.WriteString(opts.Footer)
	}

	b.WriteString("\n")
	b.WriteString(lastBuiltLine(previousMigrationFile))
	b.WriteString("\n")
	b.WriteString(provenanceLine)
	b.WriteString("\n")

	return []byte(b.String())
}

// Result describes one successful emission.
type Result struct {
	Filename  string
	Path      string
	Timestamp string
}

// Emit renders a single template's migration file, allocating a timestamp
// from the shared ledger (mutating log.LastTimestamp), guarding against
// filename collisions on disk, writing atomically, and updating the
// template's shared-ledger fields. Callers must persist log afterward.
func Emit(opts Options, t tmpl.Template, body []byte, log *ledger.BuildLog, now time.Time) (Result, error) {
	state := log.Templates[t.RelativePath]

	ts, newLast, filename, path, err := allocateFilename(opts, t.Name, log.LastTimestamp, now)
	if err != nil {
		return Result{}, err
	}
	log.LastTimestamp = newLast

	content := render(opts, t.Name, body, state.LastMigrationFile)

	if err := writeAtomic(path, content); err != nil {
		return Result{}, fmt.Errorf("migration: write %s: %w", path, err)
	}

	state.LastBuildHash = t.CurrentHash
	state.LastBuildDate = now.UTC().Format(time.RFC3339)
	state.LastBuildError = ""
	state.LastMigrationFile = filename
	log.Templates[t.RelativePath] = state

	return Result{Filename: filename, Path: path, Timestamp: ts}, nil
}

// allocateFilename finds a timestamp whose rendered filename does not
// already exist on disk. Collision is treated exactly like "T <= last":
// tsid.Next is invoked again with the previous timestamp as the new last,
// guaranteeing a strictly greater value on each retry (§4.5 collision
// invariant).
func allocateFilename(opts Options, name, last string, now time.Time) (ts, newLast, filename, path string, err error) {
	for {
		ts, newLast = tsid.Next(last, now)
		filename = Filename(opts.FilenamePattern, ts, opts.Prefix, name)
		path = filepath.Join(opts.MigrationDir, filename)

		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return ts, newLast, filename, path, nil
		} else if statErr != nil {
			return "", "", "", "", fmt.Errorf("migration: stat %s: %w", path, statErr)
		}

		last = newLast // force a strictly greater timestamp next iteration
	}
}

func writeAtomic(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create migration dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".migration-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(content); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// BundleItem is one template included in a bundle emission.
type BundleItem struct {
	Template tmpl.Template
	Body     []byte
}

// EmitBundle concatenates body for every item, each with its own
// header/banner/transaction-wrap, into a single migration file whose name
// resolves with migrationName="bundle". Rendering an item cannot fail, so
// the returned per-item error map is always empty; a failure to allocate or
// write the bundle file is returned as the error and leaves every item's
// ledger entry unchanged. On success each item's build-side fields point at
// the bundle file.
func EmitBundle(opts Options, items []BundleItem, log *ledger.BuildLog, now time.Time) (Result, map[string]error, error) {
	var body strings.Builder
	errs := make(map[string]error)

	for _, item := range items {
		state := log.Templates[item.Template.RelativePath]
		rendered := render(opts, item.Template.Name, item.Body, state.LastMigrationFile)
		body.Write(rendered)
		body.WriteString("\n")
	}

	ts, newLast, filename, path, err := allocateFilename(opts, "bundle", log.LastTimestamp, now)
	if err != nil {
		return Result{}, errs, err
	}
	log.LastTimestamp = newLast

	if err := writeAtomic(path, []byte(body.String())); err != nil {
		return Result{}, errs, fmt.Errorf("migration: write bundle %s: %w", path, err)
	}

	for _, item := range items {
		state := log.Templates[item.Template.RelativePath]
		state.LastBuildHash = item.Template.CurrentHash
		state.LastBuildDate = now.UTC().Format(time.RFC3339)
		state.LastBuildError = ""
		state.LastMigrationFile = filename
		log.Templates[item.Template.RelativePath] = state
	}

	return Result{Filename: filename, Path: path, Timestamp: ts}, errs, nil
}
