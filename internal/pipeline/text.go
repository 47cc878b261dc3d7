package pipeline

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode"
)

// NormalizeText lowercases and collapses runs of non-alphanumeric
// characters into single spaces, so "Smash-and-Grab!" and "smash and
// grab" compare equal.
func NormalizeText(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
			continue
		}
		if !prevSpace {
			b.WriteRune(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// SynthesizeID derives a stable identifier for records without one, from
// the source ID, the normalized title/description, and the date. The same
// item re-fetched later hashes to the same ID.
func SynthesizeID(sourceID, text, date string) string {
	h := sha256.Sum256([]byte(sourceID + "|" + NormalizeText(text) + "|" + date))
	return fmt.Sprintf("%x", h[:16])
}
