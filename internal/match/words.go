package match

import (
	"slices"

	"github.com/MrWong99/voxtrigger/internal/phrase"
)

// ContainsWord reports whether the normalized text contains word as a whole
// word. A multi-word argument must appear as a contiguous sequence.
func ContainsWord(text, word string) bool {
	return containsSeq(phrase.Tokens(phrase.Normalize(text)), phrase.Tokens(phrase.Normalize(word)))
}

// ContainsAnyWords reports whether text contains at least one of words.
func ContainsAnyWords(text string, words []string) bool {
	toks := phrase.Tokens(phrase.Normalize(text))
	for _, w := range words {
		if containsSeq(toks, phrase.Tokens(phrase.Normalize(w))) {
			return true
		}
	}
	return false
}

// ContainsAllWords reports whether text contains every one of words, in any
// order. It is false for an empty word list.
func ContainsAllWords(text string, words []string) bool {
	if len(words) == 0 {
		return false
	}
	toks := phrase.Tokens(phrase.Normalize(text))
	for _, w := range words {
		if !containsSeq(toks, phrase.Tokens(phrase.Normalize(w))) {
			return false
		}
	}
	return true
}

// ContainsWordsInOrder looks for words in text from left to right, each one
// after the previous match, and returns the fraction of words found. ok is
// true when that fraction reaches cutoff (1 demands every word).
func ContainsWordsInOrder(text string, words []string, cutoff float64) (score float64, ok bool) {
	if len(words) == 0 {
		return 0, false
	}
	toks := phrase.Tokens(phrase.Normalize(text))
	next, found := 0, 0
	for _, w := range words {
		nw := phrase.Normalize(w)
		if i := slices.Index(toks[next:], nw); i >= 0 {
			found++
			next += i + 1
		}
	}
	score = float64(found) / float64(len(words))
	return score, score >= cutoff
}

func containsSeq(toks, seq []string) bool {
	if len(seq) == 0 || len(seq) > len(toks) {
		return false
	}
	for i := 0; i+len(seq) <= len(toks); i++ {
		if slices.Equal(toks[i:i+len(seq)], seq) {
			return true
		}
	}
	return false
}
