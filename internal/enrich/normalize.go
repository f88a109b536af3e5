package enrich

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Corporate suffixes that vary between BOM exports for the same
// manufacturer. Stripped before comparison.
var manufacturerSuffixes = []string{
	"incorporated", "corporation", "technologies", "technology",
	"semiconductor", "electronics", "industries", "limited",
	"inc", "corp", "ltd", "llc", "gmbh", "co", "ag", "sa", "bv",
}

var stripMarks = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeMPN canonicalizes a manufacturer part number for matching:
// uppercase, with separators and whitespace removed. "LM358-N" and
// "lm358 n" normalize identically.
func NormalizeMPN(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeManufacturer canonicalizes a manufacturer name: diacritics
// folded, lowercased, punctuation dropped, corporate suffixes removed.
func NormalizeManufacturer(raw string) string {
	folded, _, err := transform.String(stripMarks, raw)
	if err != nil {
		folded = raw
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	for len(words) > 1 && isSuffix(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func isSuffix(word string) bool {
	for _, s := range manufacturerSuffixes {
		if word == s {
			return true
		}
	}
	return false
}
