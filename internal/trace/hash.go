package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/renameio/v2"
)

// ComputeTraceHash returns the sha256 hex of a canonical trace encoding, or
// "" for empty input.
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}

// WriteFile atomically writes the canonical encoding of t to path and
// returns its hash.
func WriteFile(path string, t ExecutionTrace) (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("encode trace: %w", err)
	}
	if err := renameio.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write trace %s: %w", path, err)
	}
	return ComputeTraceHash(b), nil
}
