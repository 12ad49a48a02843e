package store

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeKey returns the NFC form of a row id or tenant key with
// surrounding whitespace removed. Two keys that render identically map to
// the same row.
func NormalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
