package catalog

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds diacritics, uppercases and strips every non-alphanumeric rune.
// "ch204-pto 37/38" and "CH204PTO3738" normalize identically.
func Normalize(raw string) string {
	// transform chains keep state, build one per call
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, raw)
	if err != nil {
		folded = raw
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return strings.TrimSpace(b.String())
}

// SplitSizeToken splits a normalized SKU into its base (everything up to and including the
// last letter) and the trailing digit group. Either part may be empty.
func SplitSizeToken(normalized string) (base, size string) {
	last := strings.LastIndexFunc(normalized, unicode.IsLetter)
	if last < 0 {
		return "", normalized
	}
	_, width := utf8.DecodeRuneInString(normalized[last:])
	base = normalized[:last+width]
	size = normalized[last+width:]
	for _, r := range size {
		if !unicode.IsDigit(r) {
			return base, ""
		}
	}
	return base, size
}
