// Package uuidutil normalizes machine identifiers that happen to be UUIDs.
package uuidutil

import (
	"strings"

	"github.com/google/uuid"
)

// Normalize returns id in a canonical form so the same machine reports the
// same value regardless of which OS source produced it. UUIDs in any of the
// accepted spellings (braced, urn:uuid:, bare 32 hex digits) become lowercase
// hyphenated form; anything else is trimmed and lowercased.
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if u, err := uuid.Parse(id); err == nil {
		if u == uuid.Nil {
			return ""
		}
		return u.String()
	}
	return strings.ToLower(id)
}

// IsUUID reports whether id parses as a non-nil UUID.
func IsUUID(id string) bool {
	u, err := uuid.Parse(strings.TrimSpace(id))
	return err == nil && u != uuid.Nil
}
