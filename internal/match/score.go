package match

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Method names a similarity function. All methods compare normalized text and
// return a score in [0, 1], where 1 means identical.
type Method string

const (
	// MethodRatio is the indel similarity 2*LCS / (len(a) + len(b)).
	MethodRatio Method = "ratio"

	// MethodLevenshtein is 1 - editDistance / max(len(a), len(b)).
	MethodLevenshtein Method = "levenshtein"

	// MethodPartial aligns the shorter string against every window of the
	// longer one and keeps the best ratio.
	MethodPartial Method = "partial"

	// MethodTokenSort sorts the words of both strings before the ratio.
	MethodTokenSort Method = "token_sort"

	// MethodTokenSet compares the shared words against each side's
	// remainder, which ignores duplicated and extra words.
	MethodTokenSet Method = "token_set"

	// MethodPhonetic scores words by Jaro-Winkler similarity, boosted when
	// their Double Metaphone codes agree.
	MethodPhonetic Method = "phonetic"

	// MethodWeighted combines ratio, token_sort and a discounted partial
	// score for transcripts much longer than the phrase. This is the default.
	MethodWeighted Method = "weighted"
)

// Methods lists every built-in method.
var Methods = []Method{
	MethodRatio, MethodLevenshtein, MethodPartial, MethodTokenSort,
	MethodTokenSet, MethodPhonetic, MethodWeighted,
}

// ParseMethod converts a config value to a [Method]. The empty string selects
// [MethodWeighted].
func ParseMethod(s string) (Method, error) {
	if s == "" {
		return MethodWeighted, nil
	}
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Methods, m) {
		return "", fmt.Errorf("match: unknown method %q", s)
	}
	return m, nil
}

// Scorer computes the similarity of a normalized transcript and a normalized
// phrase. Implementations must be deterministic and return values in [0, 1].
type Scorer func(transcript, phrase string) float64

// ScorerFor returns the scoring function of m, or nil for an unknown method.
func ScorerFor(m Method) Scorer {
	switch m {
	case MethodRatio:
		return Ratio
	case MethodLevenshtein:
		return Levenshtein
	case MethodPartial:
		return PartialRatio
	case MethodTokenSort:
		return TokenSortRatio
	case MethodTokenSet:
		return TokenSetRatio
	case MethodPhonetic:
		return Phonetic
	case MethodWeighted:
		return Weighted
	default:
		return nil
	}
}

const (
	// partialLengthFactor is the transcript/phrase length ratio from which
	// Weighted also considers the partial alignment.
	partialLengthFactor = 1.5

	// partialWeight discounts partial alignment, which ignores everything
	// outside the best window.
	partialWeight = 0.9
)

// Weighted returns max(ratio, token_sort, 0.9*partial), where the partial
// term only applies when the transcript is at least 1.5 times as long as the
// phrase.
func Weighted(transcript, phrase string) float64 {
	score := max(Ratio(transcript, phrase), TokenSortRatio(transcript, phrase))
	if score == 1 {
		return 1
	}
	tl, pl := utf8.RuneCountInString(transcript), utf8.RuneCountInString(phrase)
	if pl > 0 && float64(tl) >= partialLengthFactor*float64(pl) {
		score = max(score, partialWeight*PartialRatio(transcript, phrase))
	}
	return score
}

// Ratio returns the indel similarity of a and b: 2*LCS / (len(a)+len(b)),
// counted in runes. Two empty strings are identical.
func Ratio(a, b string) float64 {
	return runeRatio([]rune(a), []rune(b))
}

func runeRatio(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	lcs := matchr.LongestCommonSubsequence(string(a), string(b))
	return float64(2*lcs) / float64(total)
}

// Levenshtein returns 1 - distance/maxLen using matchr's edit distance.
func Levenshtein(a, b string) float64 {
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	d := matchr.Levenshtein(a, b)
	return clamp01(1 - float64(d)/float64(maxLen))
}

// PartialRatio returns the best ratio between the shorter string and any
// equally long window of the longer one.
func PartialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		if len(long) == 0 {
			return 1
		}
		return 0
	}
	var score float64
	for i := 0; i+len(short) <= len(long); i++ {
		score = max(score, runeRatio(short, long[i:i+len(short)]))
		if score == 1 {
			break
		}
	}
	return score
}

// TokenSortRatio is the ratio of both strings after sorting their words.
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortedTokens(a), sortedTokens(b))
}

func sortedTokens(s string) string {
	toks := strings.Fields(s)
	slices.Sort(toks)
	return strings.Join(toks, " ")
}

// TokenSetRatio compares the sorted shared words (I) with I plus each side's
// remaining words and returns the best of the three ratios. When one side's
// words are a subset of the other's the score is 1.
func TokenSetRatio(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		if len(setA) == len(setB) {
			return 1
		}
		return 0
	}

	var inter, onlyA, onlyB []string
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range setB {
		if _, ok := setA[t]; !ok {
			onlyB = append(onlyB, t)
		}
	}
	if len(inter) > 0 && (len(onlyA) == 0 || len(onlyB) == 0) {
		return 1
	}
	slices.Sort(inter)
	slices.Sort(onlyA)
	slices.Sort(onlyB)

	base := strings.Join(inter, " ")
	withA := joinNonEmpty(base, strings.Join(onlyA, " "))
	withB := joinNonEmpty(base, strings.Join(onlyB, " "))

	score := Ratio(withA, withB)
	if base != "" {
		score = max(score, Ratio(base, withA), Ratio(base, withB))
	}
	return score
}

func tokenSet(s string) map[string]struct{} {
	toks := strings.Fields(s)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

func clamp01(v float64) float64 {
	return max(0, min(v, 1))
}
