package match

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Phonetic scores how much transcript sounds like phrase. Recognizers
// often return a homophone or a near spelling ("lites" for "lights"), which
// the character-based methods penalise.
//
// Every phrase word is paired with its best-scoring transcript word. A pair
// scores its Jaro-Winkler similarity, lifted halfway towards 1 when the
// Double Metaphone codes of the two words overlap. The result is the mean
// over phrase words, or the Jaro-Winkler similarity of the space-stripped
// strings when that is higher ("light switch" vs "lightswitch").
func Phonetic(transcript, phrase string) float64 {
	tTokens := strings.Fields(transcript)
	pTokens := strings.Fields(phrase)
	if len(pTokens) == 0 || len(tTokens) == 0 {
		if len(pTokens) == len(tTokens) {
			return 1
		}
		return 0
	}

	tCodes := make([]map[string]struct{}, len(tTokens))
	for i, t := range tTokens {
		tCodes[i] = codesForTokens([]string{t})
	}

	var sum float64
	for _, p := range pTokens {
		pCodes := codesForTokens([]string{p})
		var best float64
		for i, t := range tTokens {
			s := matchr.JaroWinkler(p, t, false)
			if s < 1 && codesOverlap(pCodes, tCodes[i]) {
				s = (1 + s) / 2
			}
			best = max(best, s)
		}
		sum += best
	}
	score := sum / float64(len(pTokens))

	if len(tTokens) > 1 || len(pTokens) > 1 {
		concat := matchr.JaroWinkler(strings.Join(tTokens, ""), strings.Join(pTokens, ""), false)
		score = max(score, concat)
	}
	return clamp01(score)
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
