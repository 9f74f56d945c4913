package recognition

import (
	"time"

	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

// State is the lifecycle state of a [Session].
type State int

const (
	// StateIdle is a constructed session that has not been started.
	StateIdle State = iota

	// StateListening accepts frames.
	StateListening

	// StateStopped is terminal. Frames are ignored and no events are emitted.
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// UtteranceState is the lifecycle state of one utterance.
type UtteranceState int

const (
	UtteranceOpen UtteranceState = iota
	UtteranceFinalizing
	UtteranceClosed
)

// String returns the lowercase state name.
func (s UtteranceState) String() string {
	switch s {
	case UtteranceOpen:
		return "open"
	case UtteranceFinalizing:
		return "finalizing"
	case UtteranceClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transcript is a recognizer hypothesis for one utterance.
type Transcript struct {
	// UtteranceID identifies the utterance; unique across sessions.
	UtteranceID string

	// Text is the hypothesis as returned by the engine.
	Text string

	// IsFinal is true for the single final transcript of an utterance.
	IsFinal bool

	// Confidence in [0, 1].
	Confidence float64

	// Words carries per-word timings when the engine reports them.
	Words []stt.WordDetail

	// Alternatives lists N-best hypotheses, best first.
	Alternatives []stt.Alternative

	// Timestamp is when the session produced the transcript. Non-decreasing
	// within an utterance.
	Timestamp time.Time

	// Forced marks a final produced by closing the utterance early after
	// repeated decode errors rather than by an engine endpoint.
	Forced bool
}

// EventKind distinguishes session events.
type EventKind int

const (
	// EventPartial carries an interim transcript.
	EventPartial EventKind = iota

	// EventFinal carries the final transcript of an utterance. Emitted at
	// most once per utterance ID.
	EventFinal

	// EventFailed reports that the session stopped because of an engine
	// fatal error. It is the last event of the session.
	EventFailed
)

// String returns the lowercase kind name.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is emitted by a [Session] on its event channel.
type Event struct {
	Kind       EventKind
	Transcript Transcript

	// Err is set for EventFailed.
	Err error
}
