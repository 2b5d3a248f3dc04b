// Package tmpl defines the Template identity shared by every component that
// discovers, hashes, resolves, emits, or applies SQL templates.
package tmpl

// Template is a discovered SQL source file's identity. It is created by
// discovery and mutated only by re-hashing on change; a template whose file
// disappears is treated as a skip with a warning, never an error.
type Template struct {
	// Name is the basename without the .sql extension.
	Name string
	// Path is the absolute filesystem path.
	Path string
	// RelativePath is the ledger key: the path relative to the configured
	// template root.
	RelativePath string
	// CurrentHash is the fingerprint of the template's current file bytes.
	CurrentHash string
	// WIP is true when Path contains the configured WIP marker substring.
	WIP bool
	// DeclaredDependencies holds the basenames extracted from this
	// template's "@depends-on:" comments.
	DeclaredDependencies []string
}
