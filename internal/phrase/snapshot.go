package phrase

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// Snapshot is an immutable phrase set. Entries are ordered by ID.
type Snapshot struct {
	entries       []Entry
	byID          map[string]int
	byText        map[string]int
	byToken       map[string][]int
	minThreshold  float64
	fullScanBelow int
}

func newSnapshot(entries []Entry, fullScanBelow int) *Snapshot {
	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	s := &Snapshot{
		entries:       entries,
		byID:          make(map[string]int, len(entries)),
		byText:        make(map[string]int, len(entries)),
		byToken:       make(map[string][]int),
		minThreshold:  1,
		fullScanBelow: fullScanBelow,
	}
	for i := range entries {
		e := &entries[i]
		s.byID[e.ID] = i
		s.byText[e.Normalized] = i
		for _, tok := range uniqueTokens(e.Tokens) {
			s.byToken[tok] = append(s.byToken[tok], i)
		}
		s.minThreshold = min(s.minThreshold, e.Threshold)
	}
	return s
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Entries returns a copy of all entries ordered by ID.
func (s *Snapshot) Entries() []Entry {
	return slices.Clone(s.entries)
}

// Get returns the entry with the given id.
func (s *Snapshot) Get(id string) (*Entry, bool) {
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return &s.entries[i], true
}

// ByText returns the entry whose normalized text equals normalized.
func (s *Snapshot) ByText(normalized string) (*Entry, bool) {
	i, ok := s.byText[normalized]
	if !ok {
		return nil, false
	}
	return &s.entries[i], true
}

// MinThreshold returns the lowest phrase threshold, or 1 for an empty
// snapshot.
func (s *Snapshot) MinThreshold() float64 { return s.minThreshold }

// LookupCandidates returns the entries worth scoring against normalized, in
// ID order. The returned pointers reference the snapshot and must not be
// modified.
//
// Snapshots smaller than the full-scan size return every entry. Larger ones
// return the union of
//
//   - entries sharing at least one token with the text, and
//   - entries whose rune length L satisfies k*T <= L <= T/k, where T is the
//     text length, k = m/(2-m) and m is the lowest threshold in the snapshot.
//
// An indel similarity 2*LCS/(L+T) can never reach m outside that length
// bound, so whole-string and token-sorted scores are never pruned. Only
// alignment-based scores (a phrase embedded in a much longer transcript
// without sharing any whole token) and phonetic scores between tokens that
// differ in spelling can be lost by the pre-filter.
func (s *Snapshot) LookupCandidates(normalized string) []*Entry {
	if len(s.entries) == 0 {
		return nil
	}
	if len(s.entries) < s.fullScanBelow {
		out := make([]*Entry, len(s.entries))
		for i := range s.entries {
			out[i] = &s.entries[i]
		}
		return out
	}

	selected := make([]bool, len(s.entries))
	for _, tok := range Tokens(normalized) {
		for _, i := range s.byToken[tok] {
			selected[i] = true
		}
	}

	lo, hi := s.lengthBound(utf8.RuneCountInString(normalized))
	for i := range s.entries {
		if l := float64(s.entries[i].runeLen); l >= lo && l <= hi {
			selected[i] = true
		}
	}

	var out []*Entry
	for i, ok := range selected {
		if ok {
			out = append(out, &s.entries[i])
		}
	}
	return out
}

// lengthBound returns the inclusive range of phrase lengths that can reach
// the snapshot's lowest threshold against a text of length t.
func (s *Snapshot) lengthBound(t int) (lo, hi float64) {
	m := s.minThreshold
	if m <= 0 {
		return 0, maxFloat
	}
	k := m / (2 - m)
	return k*float64(t) - boundSlack, float64(t)/k + boundSlack
}

const (
	maxFloat   = 1 << 62
	boundSlack = 1e-9
)

func uniqueTokens(toks []string) []string {
	out := slices.Clone(toks)
	slices.Sort(out)
	return slices.Compact(out)
}
