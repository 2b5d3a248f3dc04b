// Package ledger loads and saves the two persistent BuildLog documents that
// record per-template build/apply fingerprints across runs.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Kind selects which of the two ledgers a LedgerStore operation targets.
type Kind string

const (
	// Shared is the committed ledger: carries last_build_* fields.
	Shared Kind = "shared"
	// Local is the gitignored, per-environment ledger: carries last_applied_* fields.
	Local Kind = "local"
)

// Version is the current BuildLog document schema version.
const Version = "1.0"

// TemplateBuildState is a per-template ledger entry. Every field is optional;
// an absent field means "never occurred".
type TemplateBuildState struct {
	LastBuildHash      string `json:"lastBuildHash,omitempty"`
	LastBuildDate      string `json:"lastBuildDate,omitempty"`
	LastBuildError     string `json:"lastBuildError,omitempty"`
	LastMigrationFile  string `json:"lastMigrationFile,omitempty"`
	LastAppliedHash    string `json:"lastAppliedHash,omitempty"`
	LastAppliedDate    string `json:"lastAppliedDate,omitempty"`
	LastAppliedError   string `json:"lastAppliedError,omitempty"`
}

// Merge returns a new TemplateBuildState combining the build-side fields of
// shared and the apply-side fields of local, as required by §3: "readers
// merge the two per-entry".
func Merge(shared, local TemplateBuildState) TemplateBuildState {
	return TemplateBuildState{
		LastBuildHash:     shared.LastBuildHash,
		LastBuildDate:     shared.LastBuildDate,
		LastBuildError:    shared.LastBuildError,
		LastMigrationFile: shared.LastMigrationFile,
		LastAppliedHash:   local.LastAppliedHash,
		LastAppliedDate:   local.LastAppliedDate,
		LastAppliedError:  local.LastAppliedError,
	}
}

// BuildLog is the versioned document persisted for each Kind.
type BuildLog struct {
	Version       string                         `json:"version"`
	LastTimestamp string                         `json:"last_timestamp"`
	Templates     map[string]TemplateBuildState  `json:"templates"`
}

// Empty returns a freshly-initialized, empty ledger.
func Empty() *BuildLog {
	return &BuildLog{
		Version:   Version,
		Templates: make(map[string]TemplateBuildState),
	}
}

// Warning describes a non-fatal problem encountered while loading a ledger
// or config file. Ledger/config loads never fail outright (§7 ConfigWarning).
type Warning struct {
	Path    string
	Message string
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s: %s", w.Path, w.Message)
}

// Store loads and saves BuildLog documents from configured paths.
type Store struct {
	SharedPath string
	LocalPath  string
}

// New creates a Store for the given shared/local ledger paths.
func New(sharedPath, localPath string) *Store {
	return &Store{SharedPath: sharedPath, LocalPath: localPath}
}

func (s *Store) pathFor(kind Kind) string {
	if kind == Local {
		return s.LocalPath
	}
	return s.SharedPath
}

// Load reads the ledger of the given kind. A missing file returns an empty
// ledger with no warning. Malformed JSON returns an empty ledger and a
// Warning — callers must surface this but never treat it as fatal.
func (s *Store) Load(kind Kind) (*BuildLog, *Warning) {
	path := s.pathFor(kind)
	if path == "" {
		return Empty(), nil
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from loaded project config
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return Empty(), &Warning{Path: path, Message: fmt.Sprintf("reading ledger: %v", err)}
	}

	var doc BuildLog
	if err := json.Unmarshal(data, &doc); err != nil {
		return Empty(), &Warning{Path: path, Message: fmt.Sprintf("parsing ledger: %v", err)}
	}

	if doc.Version == "" {
		doc.Version = Version
	}
	if doc.Templates == nil {
		doc.Templates = make(map[string]TemplateBuildState)
	}

	return &doc, nil
}

// Save writes the full document atomically (temp file + rename) so a crash
// mid-write never leaves a corrupted ledger on disk. Key ordering is stable
// because Go's encoding/json sorts map keys when marshaling.
func (s *Store) Save(kind Kind, log *BuildLog) error {
	path := s.pathFor(kind)
	if path == "" {
		return fmt.Errorf("ledger: no path configured for kind %q", kind)
	}
	if log.Version == "" {
		log.Version = Version
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("ledger: create parent dir: %w", err)
	}

	// encoding/json sorts map[string]... keys when marshaling, which gives us
	// stable key ordering in the saved document for free.
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("ledger: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // best effort: no-op once rename succeeds

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("ledger: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("ledger: rename into place: %w", err)
	}

	return nil
}
