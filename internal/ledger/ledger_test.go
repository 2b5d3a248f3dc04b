package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "shared.json"), filepath.Join(dir, "local.json"))

	doc, warn := s.Load(Shared)
	if warn != nil {
		t.Fatalf("expected no warning for missing file, got %v", warn)
	}
	if doc.Version != Version || len(doc.Templates) != 0 {
		t.Fatalf("expected empty ledger, got %+v", doc)
	}
}

func TestLoadMalformedJSONReturnsWarning(t *testing.T) {
	dir := t.TempDir()
	sharedPath := filepath.Join(dir, "shared.json")
	if err := os.WriteFile(sharedPath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := New(sharedPath, filepath.Join(dir, "local.json"))

	doc, warn := s.Load(Shared)
	if warn == nil {
		t.Fatal("expected a warning for malformed ledger")
	}
	if doc.Version != Version || len(doc.Templates) != 0 {
		t.Fatalf("expected empty ledger on malformed input, got %+v", doc)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sharedPath := filepath.Join(dir, "shared.json")
	s := New(sharedPath, filepath.Join(dir, "local.json"))

	doc := Empty()
	doc.LastTimestamp = "20240101120000"
	doc.Templates["funcs/a.sql"] = TemplateBuildState{LastBuildHash: "abc123"}

	if err := s.Save(Shared, doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, warn := s.Load(Shared)
	if warn != nil {
		t.Fatalf("unexpected warning: %v", warn)
	}
	if loaded.LastTimestamp != "20240101120000" {
		t.Fatalf("last_timestamp not round-tripped: %+v", loaded)
	}
	if loaded.Templates["funcs/a.sql"].LastBuildHash != "abc123" {
		t.Fatalf("template state not round-tripped: %+v", loaded.Templates)
	}
}

func TestMergeCombinesSharedAndLocalFields(t *testing.T) {
	shared := TemplateBuildState{LastBuildHash: "h1", LastMigrationFile: "f1.sql"}
	local := TemplateBuildState{LastAppliedHash: "h1", LastAppliedError: "boom"}

	merged := Merge(shared, local)
	assert.Equal(t, "h1", merged.LastBuildHash)
	assert.Equal(t, "f1.sql", merged.LastMigrationFile)
	assert.Equal(t, "h1", merged.LastAppliedHash)
	assert.Equal(t, "boom", merged.LastAppliedError)
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	sharedPath := filepath.Join(dir, "shared.json")
	s := New(sharedPath, filepath.Join(dir, "local.json"))

	original := Empty()
	original.LastTimestamp = "20240101120000"
	if err := s.Save(Shared, original); err != nil {
		t.Fatal(err)
	}

	// The temp file used for the atomic write is not left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("leftover temp file after save: %s", e.Name())
		}
	}
}
