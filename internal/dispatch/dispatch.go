// Package dispatch turns phrase matches into application commands.
//
// A [Dispatcher] sits at the end of the pipeline. It is owned by a single
// goroutine, which is also the only goroutine that ever calls the host
// [Handler], so handlers never run concurrently with each other.
//
// For every final transcript the dispatcher:
//
//   - ignores transcripts without a matched phrase;
//   - ignores a final it has already seen (by utterance ID);
//   - suppresses the command when the phrase fired less than its cooldown
//     ago (logged, reported as [EventSuppressed], not an error);
//   - otherwise records the trigger time and emits one [EventTriggered].
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/voxtrigger/internal/match"
	"github.com/MrWong99/voxtrigger/internal/observe"
)

// DefaultSeenCapacity is the number of recent utterance IDs remembered for
// idempotency.
const DefaultSeenCapacity = 1024

// Kind classifies dispatcher events.
type Kind string

const (
	// EventTriggered means a command fired.
	EventTriggered Kind = "triggered"

	// EventSuppressed means a match was dropped by the phrase cooldown.
	EventSuppressed Kind = "suppressed"

	// EventCandidate reports a partial transcript that currently matches a
	// phrase. Candidates are hints for UI feedback; they never fire commands.
	EventCandidate Kind = "candidate"

	// EventSessionFailed reports that the recognition session stopped on a
	// fatal engine error.
	EventSessionFailed Kind = "session_failed"
)

// Event is delivered to the host [Handler].
type Event struct {
	Kind        Kind      `json:"kind"`
	PhraseID    string    `json:"phrase_id,omitempty"`
	Phrase      string    `json:"phrase,omitempty"`
	Score       float64   `json:"score,omitempty"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
	Forced      bool      `json:"forced,omitempty"`
	Err         error     `json:"-"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Handler receives dispatcher events. HandleEvent runs on the dispatch
// goroutine and should return quickly.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, ev Event)

// HandleEvent calls f(ctx, ev).
func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Multi fans an event out to several handlers in order.
type Multi []Handler

// HandleEvent delivers ev to every handler.
func (m Multi) HandleEvent(ctx context.Context, ev Event) {
	for _, h := range m {
		h.HandleEvent(ctx, ev)
	}
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithClock replaces time.Now for cooldown bookkeeping and event times.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithMetrics records trigger and suppression counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSeenCapacity sets how many utterance IDs are remembered for
// idempotency. Default: [DefaultSeenCapacity].
func WithSeenCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.seenCap = n
		}
	}
}

// Dispatcher applies cooldown and idempotency rules to matches. It is not
// safe for concurrent use.
type Dispatcher struct {
	handler Handler
	now     func() time.Time
	metrics *observe.Metrics

	lastFired map[string]time.Time

	seenCap   int
	seen      map[string]struct{}
	seenOrder []string
	seenHead  int
}

// New returns a Dispatcher delivering events to handler.
func New(handler Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler:   handler,
		now:       time.Now,
		seenCap:   DefaultSeenCapacity,
		lastFired: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(d)
	}
	d.seen = make(map[string]struct{}, d.seenCap)
	return d
}

// Consider applies the dispatch rules to the match of a final transcript and
// returns the resulting event kind, or "" when nothing was emitted.
func (d *Dispatcher) Consider(ctx context.Context, res match.Result) Kind {
	if !res.Matched() {
		return ""
	}
	t := res.Transcript
	if t.UtteranceID != "" && !d.markSeen(t.UtteranceID) {
		slog.Debug("dispatch: duplicate final ignored", "utterance_id", t.UtteranceID)
		return ""
	}

	now := d.now()
	p := res.Phrase
	ev := Event{
		PhraseID:    p.ID,
		Phrase:      p.Text,
		Score:       res.Score,
		UtteranceID: t.UtteranceID,
		Transcript:  t.Text,
		Forced:      t.Forced,
		At:          now,
	}

	if last, ok := d.lastFired[p.ID]; ok && p.Cooldown > 0 && now.Sub(last) < p.Cooldown {
		ev.Kind = EventSuppressed
		slog.Info("dispatch: command suppressed by cooldown",
			"phrase_id", p.ID,
			"utterance_id", t.UtteranceID,
			"since_last", now.Sub(last),
			"cooldown", p.Cooldown,
		)
		if d.metrics != nil {
			d.metrics.RecordSuppression(ctx, p.ID)
		}
		d.handler.HandleEvent(ctx, ev)
		return EventSuppressed
	}

	d.lastFired[p.ID] = now
	ev.Kind = EventTriggered
	slog.Info("dispatch: command triggered",
		"phrase_id", p.ID,
		"score", res.Score,
		"utterance_id", t.UtteranceID,
	)
	if d.metrics != nil {
		d.metrics.RecordTrigger(ctx, p.ID)
	}
	d.handler.HandleEvent(ctx, ev)
	return EventTriggered
}

// Candidate reports a matched partial transcript. It has no effect on
// cooldown or idempotency state.
func (d *Dispatcher) Candidate(ctx context.Context, res match.Result) {
	if !res.Matched() {
		return
	}
	d.handler.HandleEvent(ctx, Event{
		Kind:        EventCandidate,
		PhraseID:    res.Phrase.ID,
		Phrase:      res.Phrase.Text,
		Score:       res.Score,
		UtteranceID: res.Transcript.UtteranceID,
		Transcript:  res.Transcript.Text,
		At:          d.now(),
	})
}

// SessionFailed reports a failed recognition session to the host.
func (d *Dispatcher) SessionFailed(ctx context.Context, err error) {
	ev := Event{Kind: EventSessionFailed, Err: err, At: d.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	d.handler.HandleEvent(ctx, ev)
}

// Forget clears the cooldown state of phraseID, e.g. after it was removed
// from the registry.
func (d *Dispatcher) Forget(phraseID string) {
	delete(d.lastFired, phraseID)
}

// LastFired returns when phraseID last triggered.
func (d *Dispatcher) LastFired(phraseID string) (time.Time, bool) {
	t, ok := d.lastFired[phraseID]
	return t, ok
}

// markSeen records id and reports whether it was new. The oldest ID is
// forgotten once the capacity is reached.
func (d *Dispatcher) markSeen(id string) bool {
	if _, dup := d.seen[id]; dup {
		return false
	}
	if len(d.seenOrder) < d.seenCap {
		d.seenOrder = append(d.seenOrder, id)
	} else {
		delete(d.seen, d.seenOrder[d.seenHead])
		d.seenOrder[d.seenHead] = id
		d.seenHead = (d.seenHead + 1) % d.seenCap
	}
	d.seen[id] = struct{}{}
	return true
}
