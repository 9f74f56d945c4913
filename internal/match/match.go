// Package match scores recognizer transcripts against the trigger phrases of
// a [phrase.Snapshot] and picks at most one winner.
//
// Matching is deterministic: the same snapshot and text always produce the
// same [Result]. Candidates below their own phrase threshold are discarded;
// among the rest the highest score wins, ties go to the phrase whose
// canonical length is closest to the transcript, then to the lowest ID.
//
// [Score], [Similarities], [Best] and the Contains*Word* helpers are for host
// code that wants to compare text outside the phrase registry; the pipeline
// itself only uses [Matcher.MatchTranscript].
package match

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/voxtrigger/internal/phrase"
	"github.com/MrWong99/voxtrigger/internal/recognition"
)

// DefaultMaxLength is the default transcript length limit in runes.
const DefaultMaxLength = 256

// Result is the outcome of matching one transcript.
type Result struct {
	// Phrase is the winning entry, or nil when nothing reached its
	// threshold.
	Phrase *phrase.Entry

	// Score is the winner's score. Without a winner it is the best score
	// seen below threshold, for logging.
	Score float64

	// Transcript is the matched transcript.
	Transcript recognition.Transcript

	// Normalized is the text that was scored.
	Normalized string

	// Truncated reports that the transcript exceeded the length limit.
	Truncated bool
}

// Matched reports whether a phrase won.
func (r Result) Matched() bool { return r.Phrase != nil }

// PhraseID returns the winning phrase ID, or "" without a winner.
func (r Result) PhraseID() string {
	if r.Phrase == nil {
		return ""
	}
	return r.Phrase.ID
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithMethod selects a built-in scoring method. Unknown methods are ignored.
func WithMethod(m Method) Option {
	return func(mt *Matcher) {
		if s := ScorerFor(m); s != nil {
			mt.method = m
			mt.scorer = s
		}
	}
}

// WithMaxLength sets the transcript length limit in runes. Longer input is
// truncated before normalization. Default: [DefaultMaxLength].
func WithMaxLength(n int) Option {
	return func(mt *Matcher) {
		if n > 0 {
			mt.maxLength = n
		}
	}
}

// WithScorer replaces the scoring function. name is reported by
// [Matcher.Method].
func WithScorer(name string, s Scorer) Option {
	return func(mt *Matcher) {
		if s != nil {
			mt.method = Method(name)
			mt.scorer = s
		}
	}
}

// Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	method    Method
	scorer    Scorer
	maxLength int
}

// New returns a Matcher using [MethodWeighted] unless configured otherwise.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		method:    MethodWeighted,
		scorer:    Weighted,
		maxLength: DefaultMaxLength,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Method returns the configured method name.
func (m *Matcher) Method() Method { return m.method }

// Match scores text against snap.
func (m *Matcher) Match(snap *phrase.Snapshot, text string) Result {
	return m.MatchTranscript(snap, recognition.Transcript{Text: text, IsFinal: true})
}

// MatchTranscript scores t.Text against snap and returns the winner, if any.
func (m *Matcher) MatchTranscript(snap *phrase.Snapshot, t recognition.Transcript) Result {
	res := Result{Transcript: t}
	text := t.Text
	if strings.TrimSpace(text) == "" || snap == nil || snap.Len() == 0 {
		return res
	}

	if utf8.RuneCountInString(text) > m.maxLength {
		text = truncateRunes(text, m.maxLength)
		res.Truncated = true
		slog.Warn("match: transcript truncated",
			"utterance_id", t.UtteranceID,
			"max_runes", m.maxLength,
		)
	}

	normalized := phrase.Normalize(text)
	res.Normalized = normalized
	if normalized == "" {
		return res
	}
	textLen := utf8.RuneCountInString(normalized)

	var best *phrase.Entry
	var bestScore, bestBelow float64
	for _, e := range snap.LookupCandidates(normalized) {
		score := clamp01(m.scorer(normalized, e.Normalized))
		if score < e.Threshold {
			bestBelow = max(bestBelow, score)
			continue
		}
		if best == nil || better(score, e, bestScore, best, textLen) {
			best, bestScore = e, score
		}
	}

	if best == nil {
		res.Score = bestBelow
		return res
	}
	res.Phrase = best
	res.Score = bestScore
	return res
}

// better reports whether (score, e) beats the current best.
func better(score float64, e *phrase.Entry, bestScore float64, best *phrase.Entry, textLen int) bool {
	if score != bestScore {
		return score > bestScore
	}
	d, bd := absInt(e.Len()-textLen), absInt(best.Len()-textLen)
	if d != bd {
		return d < bd
	}
	return e.ID < best.ID
}

// Score returns the configured similarity of two raw strings after
// normalization.
func (m *Matcher) Score(a, b string) float64 {
	return clamp01(m.scorer(phrase.Normalize(a), phrase.Normalize(b)))
}

// Similarities scores text against every candidate sentence. Scores below
// cutoff are reported as 0.
func (m *Matcher) Similarities(text string, candidates []string, cutoff float64) []float64 {
	nt := phrase.Normalize(text)
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		s := clamp01(m.scorer(nt, phrase.Normalize(c)))
		if s >= cutoff {
			out[i] = s
		}
	}
	return out
}

// Best returns the index and score of the candidate most similar to text.
// It returns -1 when no candidate reaches cutoff. Ties go to the lower index.
func (m *Matcher) Best(text string, candidates []string, cutoff float64) (int, float64) {
	idx, best := -1, 0.0
	for i, s := range m.Similarities(text, candidates, cutoff) {
		if s >= cutoff && (idx < 0 || s > best) {
			idx, best = i, s
		}
	}
	return idx, best
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
