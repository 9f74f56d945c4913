// Package eventlog persists dispatched command events so that operators can
// inspect recent triggers, suppressions and session failures.
//
// Only event metadata is stored. Transcript text never reaches the log.
//
// Two backends are provided: [SQLiteStore] (modernc.org/sqlite, no CGO) for
// single-host installs and [PostgresStore] (pgx) for shared deployments. A
// [Recorder] adapts a [Store] to [dispatch.Handler] and writes in the
// background so that the dispatch goroutine never waits on the database.
package eventlog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxtrigger/internal/dispatch"
)

// DefaultRecentLimit caps [Store.Recent] when the caller passes limit <= 0.
const DefaultRecentLimit = 50

// Record is one persisted dispatcher event.
type Record struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	PhraseID    string    `json:"phrase_id,omitempty"`
	Score       float64   `json:"score,omitempty"`
	UtteranceID string    `json:"utterance_id,omitempty"`
	Forced      bool      `json:"forced,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// FromEvent converts a dispatcher event to a Record, dropping the transcript.
func FromEvent(ev dispatch.Event) Record {
	return Record{
		Kind:        string(ev.Kind),
		PhraseID:    ev.PhraseID,
		Score:       ev.Score,
		UtteranceID: ev.UtteranceID,
		Forced:      ev.Forced,
		Error:       ev.Error,
		At:          ev.At.UTC(),
	}
}

// Store persists records.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores r. The store assigns the ID.
	Append(ctx context.Context, r Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Close releases the underlying database handle.
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return limit
}

// ─── Recorder ────────────────────────────────────────────────────────────────

// DefaultRecorderBuffer is the number of events a [Recorder] queues before it
// starts dropping.
const DefaultRecorderBuffer = 256

// Recorder writes dispatcher events to a [Store] from its own goroutine.
// Candidate events are not recorded.
type Recorder struct {
	store   Store
	queue   chan Record
	timeout time.Duration
	dropped atomic.Uint64
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithBuffer sets the queue size. Default: [DefaultRecorderBuffer].
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Record, n)
		}
	}
}

// WithWriteTimeout bounds each Append call. Default: 2s.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder returns a Recorder writing to store. Call [Recorder.Run] to
// start writing.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		queue:   make(chan Record, DefaultRecorderBuffer),
		timeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ dispatch.Handler = (*Recorder)(nil)

// HandleEvent queues ev for writing. It never blocks; when the queue is full
// the event is dropped and counted.
func (r *Recorder) HandleEvent(_ context.Context, ev dispatch.Event) {
	if ev.Kind == dispatch.EventCandidate {
		return
	}
	select {
	case r.queue <- FromEvent(ev):
	default:
		if r.dropped.Add(1) == 1 {
			slog.Warn("eventlog: recorder queue full, dropping events")
		}
	}
}

// Dropped returns the number of events lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued records until ctx is done, then flushes what is still
// queued with a fresh deadline and returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case rec := <-r.queue:
			r.write(context.Background(), rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.store.Append(ctx, rec); err != nil {
		slog.Warn("eventlog: append failed", "kind", rec.Kind, "phrase_id", rec.PhraseID, "err", err)
	}
}
