// Package recognition turns a stream of PCM frames into transcript events.
//
// A [Session] owns one recognizer engine. The recognition worker feeds it
// frames (see [Session.Run]); the session tracks utterance boundaries as
// reported by the engine and emits partial and final transcripts on its event
// channel. Each utterance yields at most one final transcript.
//
// Lifecycle:
//
//	Idle --Start--> Listening --Stop / fatal engine error--> Stopped
//
// Stopped is terminal. Once [Session.Stop] returns, no further events are
// delivered and [Session.Feed] is a no-op.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxtrigger/internal/observe"
	"github.com/MrWong99/voxtrigger/pkg/audio"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

var (
	// ErrOutOfOrderFrame is returned by Feed when a frame's sequence number
	// does not exceed the last accepted one.
	ErrOutOfOrderFrame = errors.New("recognition: out-of-order frame")

	// ErrNotStarted is returned by Feed before Start.
	ErrNotStarted = errors.New("recognition: session not started")

	// ErrStopped is returned by Start on a stopped session.
	ErrStopped = errors.New("recognition: session stopped")

	// ErrEndpointingAmbiguity describes an utterance closed early because the
	// engine kept failing to decode it.
	ErrEndpointingAmbiguity = errors.New("recognition: endpointing ambiguity")
)

const (
	// DefaultMaxTransientErrors is the number of consecutive transient decode
	// errors that force the open utterance to close.
	DefaultMaxTransientErrors = 3

	// DefaultPollInterval bounds how long Run waits for a frame before
	// re-checking for shutdown.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultEventBuffer is the capacity of the event channel.
	DefaultEventBuffer = 64
)

// FrameSource is the queue side consumed by [Session.Run]. *audio.FrameQueue
// implements it.
type FrameSource interface {
	Pop(ctx context.Context, timeout time.Duration) (audio.AudioFrame, bool)
}

// Option configures a [Session].
type Option func(*Session)

// WithSessionID sets the session identifier used as utterance ID prefix.
// Defaults to a random UUID.
func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithMaxTransientErrors sets how many consecutive transient decode errors
// force the open utterance to close. Default: [DefaultMaxTransientErrors].
func WithMaxTransientErrors(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxTransient = n
		}
	}
}

// WithPollInterval sets the frame wait timeout used by Run.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithEventBuffer sets the event channel capacity.
func WithEventBuffer(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.eventBuffer = n
		}
	}
}

// WithClock replaces time.Now for transcript timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records session metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// utterance is the session's view of one spoken command.
type utterance struct {
	id          string
	state       UtteranceState
	lastPartial stt.Hypothesis
	lastStamp   time.Time
}

// Session is a recognizer session state machine.
//
// Feed and Run must be called from a single worker goroutine. Start, Stop,
// State, Events and Close are safe for concurrent use.
type Session struct {
	engine       stt.Engine
	id           string
	maxTransient int
	pollInterval time.Duration
	eventBuffer  int
	now          func() time.Time
	metrics      *observe.Metrics

	mu    sync.Mutex
	state State

	// Guarded by feedMu: held for the duration of every engine call.
	feedMu    sync.Mutex
	lastSeq   uint64
	haveSeq   bool
	utt       *utterance
	uttCount  uint64
	transient int

	// emitMu serialises event delivery against Stop.
	emitMu   sync.Mutex
	terminal bool
	events   chan Event

	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	feeds atomic.Uint64
}

// New creates an idle session around engine. The session takes ownership of
// engine and closes it in [Session.Close].
func New(engine stt.Engine, opts ...Option) *Session {
	s := &Session{
		engine:       engine,
		id:           uuid.NewString(),
		maxTransient: DefaultMaxTransientErrors,
		pollInterval: DefaultPollInterval,
		eventBuffer:  DefaultEventBuffer,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.events = make(chan Event, s.eventBuffer)
	engine.OnFatalError(func(err error) {
		s.fail(context.Background(), err)
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the event channel. It is closed when the session stops.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Frames returns the number of frames handed to the engine.
func (s *Session) Frames() uint64 { return s.feeds.Load() }

// Start moves an idle session to Listening. Starting a listening session is
// a no-op; starting a stopped one returns [ErrStopped].
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStopped:
		return ErrStopped
	case StateListening:
		return nil
	}
	s.state = StateListening
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	slog.Info("recognition: session listening", "session_id", s.id)
	return nil
}

// Stop moves the session to Stopped. Events still buffered in the channel
// are discarded and the channel is closed; results of an engine call in
// flight are dropped. Stop does not wait for that call (see [Session.Close]).
func (s *Session) Stop() {
	s.stop(true)
}

func (s *Session) stop(discard bool) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		wasListening := s.state == StateListening
		s.state = StateStopped
		s.mu.Unlock()

		close(s.stopCh)

		s.emitMu.Lock()
		s.terminal = true
		close(s.events)
		if discard {
			dropped := 0
			for range s.events {
				dropped++
			}
			if dropped > 0 {
				slog.Debug("recognition: discarded buffered events", "session_id", s.id, "events", dropped)
			}
		}
		s.emitMu.Unlock()

		if wasListening && s.metrics != nil {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		slog.Info("recognition: session stopped", "session_id", s.id)
	})
}

// Close stops the session, waits for an in-flight engine call to return and
// closes the engine. Safe to call more than once.
func (s *Session) Close() error {
	s.Stop()
	s.closeOnce.Do(func() {
		s.feedMu.Lock()
		defer s.feedMu.Unlock()
		if err := s.engine.Close(); err != nil {
			s.closeErr = fmt.Errorf("recognition: close engine: %w", err)
		}
	})
	return s.closeErr
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Feed hands one frame to the engine.
//
// It returns [ErrNotStarted] before Start and [ErrOutOfOrderFrame] when
// frame.Seq does not exceed the previous frame's. On a stopped session it
// does nothing and returns nil. Transient decode errors are absorbed (the
// frame is dropped); a fatal engine error stops the session, emits
// [EventFailed] and is returned.
func (s *Session) Feed(ctx context.Context, frame audio.AudioFrame) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	switch s.State() {
	case StateIdle:
		return ErrNotStarted
	case StateStopped:
		return nil
	}
	if s.haveSeq && frame.Seq <= s.lastSeq {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrderFrame, frame.Seq, s.lastSeq)
	}
	s.lastSeq, s.haveSeq = frame.Seq, true

	dec, err := s.engine.Feed(ctx, frame.Data)
	s.feeds.Add(1)
	if s.metrics != nil {
		s.metrics.Frames.Add(ctx, 1)
	}
	if s.stopped() {
		return nil
	}
	if err != nil {
		return s.handleEngineError(ctx, err)
	}
	s.transient = 0

	if dec.SpeechStart || dec.Partial != nil {
		s.openUtterance()
	}
	if dec.Partial != nil {
		s.emitPartial(*dec.Partial)
	}
	if dec.Endpoint {
		s.openUtterance()
		return s.finalize(ctx)
	}
	return nil
}

// openUtterance starts a new utterance unless one is already open.
func (s *Session) openUtterance() {
	if s.utt != nil {
		return
	}
	s.uttCount++
	s.utt = &utterance{
		id:    fmt.Sprintf("%s/%d", s.id, s.uttCount),
		state: UtteranceOpen,
	}
	slog.Debug("recognition: utterance opened", "utterance_id", s.utt.id)
}

// stamp returns a timestamp that never goes backwards within u.
func (s *Session) stamp(u *utterance) time.Time {
	ts := s.now()
	if ts.Before(u.lastStamp) {
		ts = u.lastStamp
	}
	u.lastStamp = ts
	return ts
}

func (s *Session) emitPartial(h stt.Hypothesis) {
	u := s.utt
	if h.Text == u.lastPartial.Text {
		return
	}
	u.lastPartial = h
	s.emit(Event{Kind: EventPartial, Transcript: Transcript{
		UtteranceID:  u.id,
		Text:         h.Text,
		Confidence:   h.Confidence,
		Words:        h.Words,
		Alternatives: h.Alternatives,
		Timestamp:    s.stamp(u),
	}})
}

// finalize asks the engine for the final hypothesis and closes the utterance.
func (s *Session) finalize(ctx context.Context) error {
	u := s.utt
	u.state = UtteranceFinalizing

	start := time.Now()
	h, err := s.engine.Finalize(ctx)
	if s.metrics != nil {
		s.metrics.FinalizeDuration.Record(ctx, time.Since(start).Seconds())
	}
	if s.stopped() {
		return nil
	}
	forced := false
	if err != nil {
		if stt.IsFatal(err) {
			s.utt = nil
			return s.engineFailed(ctx, err)
		}
		if s.metrics != nil {
			s.metrics.RecordDecodeError(ctx, "transient")
		}
		slog.Warn("recognition: finalize failed, closing with last partial",
			"utterance_id", u.id,
			"err", err,
		)
		h, forced = u.lastPartial, true
	}
	s.closeUtterance(ctx, h, forced)
	return nil
}

// closeUtterance emits the single final event of the open utterance.
func (s *Session) closeUtterance(ctx context.Context, h stt.Hypothesis, forced bool) {
	u := s.utt
	s.utt = nil
	u.state = UtteranceClosed
	if s.metrics != nil {
		s.metrics.RecordUtterance(ctx, forced)
	}
	s.emit(Event{Kind: EventFinal, Transcript: Transcript{
		UtteranceID:  u.id,
		Text:         h.Text,
		IsFinal:      true,
		Confidence:   h.Confidence,
		Words:        h.Words,
		Alternatives: h.Alternatives,
		Timestamp:    s.stamp(u),
		Forced:       forced,
	}})
	slog.Debug("recognition: utterance closed", "utterance_id", u.id, "forced", forced, "chars", len(h.Text))
}

func (s *Session) handleEngineError(ctx context.Context, err error) error {
	if stt.IsFatal(err) {
		return s.engineFailed(ctx, err)
	}

	s.transient++
	if s.metrics != nil {
		s.metrics.RecordDecodeError(ctx, "transient")
	}
	slog.Warn("recognition: transient decode error, frame dropped",
		"session_id", s.id,
		"consecutive", s.transient,
		"err", err,
	)
	if s.transient < s.maxTransient {
		return nil
	}
	s.transient = 0

	if resetErr := s.engine.Reset(); resetErr != nil {
		slog.Warn("recognition: engine reset failed", "session_id", s.id, "err", resetErr)
	}
	if s.utt == nil {
		return nil
	}
	slog.Warn("recognition: closing utterance early",
		"utterance_id", s.utt.id,
		"err", fmt.Errorf("%w: %d consecutive decode errors", ErrEndpointingAmbiguity, s.maxTransient),
	)
	s.closeUtterance(ctx, s.utt.lastPartial, true)
	return nil
}

func (s *Session) engineFailed(ctx context.Context, err error) error {
	s.fail(ctx, err)
	return fmt.Errorf("recognition: engine failed: %w", err)
}

// fail reports a fatal engine error as the session's last event and stops
// the session. It may be called from the engine's own goroutines.
func (s *Session) fail(ctx context.Context, err error) {
	s.emitMu.Lock()
	if s.terminal {
		s.emitMu.Unlock()
		return
	}
	if s.metrics != nil {
		s.metrics.RecordDecodeError(ctx, "fatal")
		s.metrics.SessionFailures.Add(ctx, 1)
	}
	slog.Error("recognition: engine fatal error, stopping session", "session_id", s.id, "err", err)
	select {
	case s.events <- Event{Kind: EventFailed, Err: err}:
	case <-s.stopCh:
	}
	s.terminal = true
	s.emitMu.Unlock()

	s.stop(false)
}

// emit delivers ev unless the session has stopped. It blocks while the
// event channel is full.
func (s *Session) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.terminal || s.stopped() {
		return
	}
	select {
	case s.events <- ev:
	case <-s.stopCh:
	}
}

// Run is the recognition worker loop. It pops frames from src and feeds them
// to the session until the session stops or ctx is done, then returns nil.
// An out-of-order frame ends the loop with [ErrOutOfOrderFrame].
//
// Run starts an idle session.
func (s *Session) Run(ctx context.Context, src FrameSource) error {
	if err := s.Start(); err != nil {
		return err
	}
	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		frame, ok := src.Pop(ctx, s.pollInterval)
		if !ok {
			continue
		}
		if err := s.Feed(ctx, frame); err != nil {
			if errors.Is(err, ErrOutOfOrderFrame) {
				return err
			}
			if s.stopped() {
				return nil
			}
		}
	}
}
