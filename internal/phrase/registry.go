// Package phrase holds the set of trigger phrases a recognizer transcript is
// matched against.
//
// A [Registry] publishes immutable [Snapshot] values. Reloading builds a
// complete new snapshot and swaps it in atomically, so a reader holding a
// snapshot sees either the old or the new phrase set, never a mix, and never
// needs a lock.
package phrase

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// DefaultFullScanBelow is the registry size under which LookupCandidates
// returns every entry instead of pre-filtering.
const DefaultFullScanBelow = 32

// ErrRegistryLoad is matched (via errors.Is) by every error returned from
// [Registry.Load].
var ErrRegistryLoad = errors.New("phrase: registry load failed")

// Spec is a phrase definition as supplied by configuration.
type Spec struct {
	// ID is the application-level command identifier. Required and unique.
	ID string

	// Text is the canonical phrase, e.g. "turn on the lights".
	Text string

	// Threshold is the minimum similarity score in [0, 1] a transcript needs
	// to trigger this phrase.
	Threshold float64

	// Cooldown is the minimum time between two triggers of this phrase.
	// Zero disables suppression.
	Cooldown time.Duration
}

// Entry is a validated, normalized phrase. Entries are immutable.
type Entry struct {
	ID         string
	Text       string
	Normalized string
	Tokens     []string
	Threshold  float64
	Cooldown   time.Duration

	// runeLen is the length of Normalized in runes.
	runeLen int
}

// Len returns the length of the normalized phrase in runes.
func (e *Entry) Len() int {
	if e.runeLen == 0 && e.Normalized != "" {
		return utf8.RuneCountInString(e.Normalized)
	}
	return e.runeLen
}

// LoadError lists every problem found while validating a phrase set.
type LoadError struct {
	Problems []error
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("phrase: registry load failed: %s", strings.Join(msgs, "; "))
}

// Is reports whether target is [ErrRegistryLoad].
func (e *LoadError) Is(target error) bool { return target == ErrRegistryLoad }

// Unwrap returns the individual problems.
func (e *LoadError) Unwrap() []error { return e.Problems }

// Option configures a [Registry].
type Option func(*Registry)

// WithFullScanBelow sets the snapshot size under which candidate lookup
// returns every entry. Default: [DefaultFullScanBelow].
func WithFullScanBelow(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.fullScanBelow = n
		}
	}
}

// Registry owns the current phrase snapshot. All methods are safe for
// concurrent use.
type Registry struct {
	fullScanBelow int
	current       atomic.Pointer[Snapshot]
	loads         atomic.Uint64
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{fullScanBelow: DefaultFullScanBelow}
	for _, o := range opts {
		o(r)
	}
	r.current.Store(newSnapshot(nil, r.fullScanBelow))
	return r
}

// Load validates specs and, if every entry is valid, atomically replaces the
// current snapshot. On failure it returns a *[LoadError] describing every
// invalid entry and the previous snapshot stays active.
func (r *Registry) Load(specs []Spec) error {
	snap, err := build(specs, r.fullScanBelow)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	r.loads.Add(1)
	slog.Info("phrase: registry loaded", "phrases", snap.Len(), "min_threshold", snap.minThreshold)
	return nil
}

// Snapshot returns the current immutable phrase set.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Loads returns the number of successful loads.
func (r *Registry) Loads() uint64 { return r.loads.Load() }

func build(specs []Spec, fullScanBelow int) (*Snapshot, error) {
	var problems []error
	entries := make([]Entry, 0, len(specs))
	seenID := make(map[string]struct{}, len(specs))
	seenText := make(map[string]string, len(specs))

	for i, sp := range specs {
		id := strings.TrimSpace(sp.ID)
		normalized := Normalize(sp.Text)
		bad := false
		if id == "" {
			problems = append(problems, fmt.Errorf("phrase[%d]: id is required", i))
			bad = true
		} else if _, dup := seenID[id]; dup {
			problems = append(problems, fmt.Errorf("phrase[%d]: duplicate id %q", i, id))
			bad = true
		}
		if normalized == "" {
			problems = append(problems, fmt.Errorf("phrase[%d] %q: text is empty after normalization", i, id))
			bad = true
		} else if other, dup := seenText[normalized]; dup {
			problems = append(problems, fmt.Errorf("phrase[%d] %q: text %q duplicates phrase %q", i, id, normalized, other))
			bad = true
		}
		if math.IsNaN(sp.Threshold) || sp.Threshold < 0 || sp.Threshold > 1 {
			problems = append(problems, fmt.Errorf("phrase[%d] %q: threshold %v outside [0, 1]", i, id, sp.Threshold))
			bad = true
		}
		if sp.Cooldown < 0 {
			problems = append(problems, fmt.Errorf("phrase[%d] %q: negative cooldown %s", i, id, sp.Cooldown))
			bad = true
		}
		if id != "" {
			seenID[id] = struct{}{}
		}
		if normalized != "" {
			if _, dup := seenText[normalized]; !dup {
				seenText[normalized] = id
			}
		}
		if bad {
			continue
		}
		entries = append(entries, Entry{
			ID:         id,
			Text:       sp.Text,
			Normalized: normalized,
			Tokens:     Tokens(normalized),
			Threshold:  sp.Threshold,
			Cooldown:   sp.Cooldown,
			runeLen:    utf8.RuneCountInString(normalized),
		})
	}
	if len(problems) > 0 {
		return nil, &LoadError{Problems: problems}
	}
	return newSnapshot(entries, fullScanBelow), nil
}
