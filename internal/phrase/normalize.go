package phrase

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalize prepares text for comparison:
//
//   - Unicode compatibility composition (NFKC), so full-width and ligature
//     forms compare equal to their plain spellings;
//   - lowercase;
//   - apostrophes are removed ("what's" becomes "whats");
//   - all other punctuation and symbols become spaces;
//   - runs of whitespace collapse to one space, with no leading or trailing
//     space.
//
// Normalize is idempotent.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	// A Caser is stateful and must not be shared between goroutines.
	s = cases.Lower(language.Und).String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := true // suppresses leading spaces
	for _, r := range s {
		switch {
		case isApostrophe(r):
			continue
		case unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.Is(unicode.Mn, r):
			b.WriteRune(r)
			space = false
		default:
			// Whitespace, punctuation, symbols and control characters all
			// separate tokens.
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Tokens splits normalized text into words.
func Tokens(normalized string) []string {
	return strings.Fields(normalized)
}

func isApostrophe(r rune) bool {
	switch r {
	case '\'', '’', '‘', 'ʼ', '`':
		return true
	}
	return false
}
