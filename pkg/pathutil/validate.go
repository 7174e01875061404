// Package pathutil provides path and name validation utilities for vaultkit.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/vaultkit/vaultkit/pkg/errclass"
)

// maxComponentLen keeps backup names well under common 255-byte limits.
const maxComponentLen = 64

// SanitizeComponent turns an arbitrary display string (typically a hostname)
// into something safe to embed in a file name on every platform the sync
// client may replicate to. It never returns an empty string.
func SanitizeComponent(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))

	var b strings.Builder
	lastDash := false
	for _, r := range s {
		ok := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-'
		if !ok {
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
			continue
		}
		b.WriteRune(r)
		lastDash = r == '-'
	}

	out := strings.Trim(b.String(), "-.")
	if len(out) > maxComponentLen {
		out = truncateRunes(out, maxComponentLen)
	}
	if out == "" {
		return "unknown"
	}
	return out
}

func truncateRunes(s string, maxBytes int) string {
	n := 0
	for i, r := range s {
		size := len(string(r))
		if n+size > maxBytes {
			return s[:i]
		}
		n += size
	}
	return s
}

// ResolveVaultRoot returns the absolute, symlink-resolved vault root and
// verifies that it is an existing directory.
func ResolveVaultRoot(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errclass.ErrVaultInvalid.WithMessage("vault path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errclass.ErrVaultInvalid.WithMessagef("cannot resolve vault path %s", path).Wrap(err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errclass.ErrVaultInvalid.WithMessagef("cannot resolve vault path %s", abs).Wrap(err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", errclass.ErrVaultInvalid.WithMessagef("cannot stat vault %s", resolved).Wrap(err)
	}
	if !info.IsDir() {
		return "", errclass.ErrVaultInvalid.WithMessagef("vault is not a directory: %s", resolved)
	}
	return filepath.Clean(resolved), nil
}
