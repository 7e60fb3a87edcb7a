package trustscore

import (
	"strings"
	"unicode"
)

// Keyword sets for the consensus-message scan. Matching is per word and
// case-insensitive, so "unverified" does not count as "verified".
var (
	positiveKeywords = map[string]bool{
		"verified":   true,
		"trusted":    true,
		"audited":    true,
		"audit":      true,
		"certified":  true,
		"kyc":        true,
		"legitimate": true,
		"reputable":  true,
		"partner":    true,
	}

	negativeKeywords = map[string]bool{
		"scam":       true,
		"fraud":      true,
		"fraudulent": true,
		"malicious":  true,
		"suspicious": true,
		"phishing":   true,
		"hack":       true,
		"hacked":     true,
		"exploit":    true,
		"rugpull":    true,
		"unverified": true,
	}
)

// scanKeywords reports whether any positive and any negative marker occurs in text.
func scanKeywords(text string) (positive, negative bool) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if positiveKeywords[w] {
			positive = true
		}
		if negativeKeywords[w] {
			negative = true
		}
	}
	return positive, negative
}
