// Package hash fingerprints template content for change detection.
package hash

import (
	"bytes"
	"crypto/md5" //nolint:gosec // fingerprinting, not a security boundary
	"encoding/hex"
)

// Content returns the 32-hex-char MD5 fingerprint of b after normalizing
// CRLF line endings to LF, so editor/OS line-ending differences never
// register as a content change.
func Content(b []byte) string {
	normalized := bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	sum := md5.Sum(normalized) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// String is a convenience wrapper around Content for string input.
func String(s string) string {
	return Content([]byte(s))
}
