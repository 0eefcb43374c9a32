// Package uuid generates the identifiers used for rows and archives.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUID v4 in canonical form.
func New() string {
	return uuid.New().String()
}

// Short returns n lowercase hex characters of fresh randomness, for
// suffixes that must be unique but need not be full UUIDs. n is clamped
// to 1..32.
func Short(n int) string {
	if n < 1 {
		n = 1
	}
	if n > 32 {
		n = 32
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:n]
}

// Validate reports whether s is a row id as New produces it: a UUID v4 in
// the canonical 36-character form.
func Validate(s string) error {
	if len(s) != 36 {
		return fmt.Errorf("invalid id %q: want 36 characters", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return fmt.Errorf("invalid id %q: not an RFC 4122 version 4 UUID", s)
	}
	return nil
}
