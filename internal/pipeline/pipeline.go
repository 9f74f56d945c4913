// Package pipeline wires audio capture, recognition, phrase matching and
// command dispatch into one listening pipeline.
//
// Three goroutines cooperate:
//
//   - the capture goroutine calls [Pipeline.OnAudio], which only stamps a
//     sequence number and pushes into a bounded [audio.FrameQueue];
//   - the recognition worker pops frames, converts them to the engine
//     format and feeds the [recognition.Session] (it may block on the
//     engine);
//   - the dispatch goroutine drains session events, matches finals against
//     the current phrase snapshot and hands the result to the
//     [dispatch.Dispatcher], which is the only caller of the host handler.
//
// A Pipeline serves a single session. After Stop, or after the session
// failed, build a new Pipeline to resume listening. Pass the previous
// dispatcher with [WithDispatcher] so cooldowns carry over.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxtrigger/internal/dispatch"
	"github.com/MrWong99/voxtrigger/internal/match"
	"github.com/MrWong99/voxtrigger/internal/observe"
	"github.com/MrWong99/voxtrigger/internal/phrase"
	"github.com/MrWong99/voxtrigger/internal/recognition"
	"github.com/MrWong99/voxtrigger/pkg/audio"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

const (
	// DefaultQueueCapacity holds 500ms of 20ms frames.
	DefaultQueueCapacity = 25

	// DefaultFrameBytes is one 20ms frame of 16kHz mono int16 PCM.
	DefaultFrameBytes = 640
)

// ErrSessionFailed is returned by [Pipeline.Run] when the recognition
// session stopped on a fatal engine error.
var ErrSessionFailed = errors.New("pipeline: recognition session failed")

// Option configures a [Pipeline].
type Option func(*config)

type config struct {
	queueCapacity int
	policy        audio.OverflowPolicy
	frameBytes    int
	format        audio.Format
	scorePartials bool
	matcher       *match.Matcher
	metrics       *observe.Metrics
	now           func() time.Time
	sessionOpts   []recognition.Option
	dispatchOpts  []dispatch.Option
	dispatcher    *dispatch.Dispatcher
}

// WithQueueCapacity sets the frame queue capacity in frames.
func WithQueueCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueCapacity = n
		}
	}
}

// WithOverflowPolicy selects what a full queue drops. Default: [audio.DropOldest].
func WithOverflowPolicy(p audio.OverflowPolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithFrameBytes sets the expected capture frame size used to preallocate
// the queue slots.
func WithFrameBytes(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.frameBytes = n
		}
	}
}

// WithFormat sets the format the engine expects. Captured frames in any
// other format are converted on the recognition worker. The zero Format
// feeds frames unchanged.
func WithFormat(f audio.Format) Option {
	return func(c *config) { c.format = f }
}

// WithScorePartials also matches partial transcripts and reports hits as
// [dispatch.EventCandidate]. Candidates never fire commands.
func WithScorePartials(on bool) Option {
	return func(c *config) { c.scorePartials = on }
}

// WithMatcher replaces the default weighted matcher.
func WithMatcher(m *match.Matcher) Option {
	return func(c *config) {
		if m != nil {
			c.matcher = m
		}
	}
}

// WithMetrics records pipeline metrics on m and passes it on to the session
// and dispatcher.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithClock replaces time.Now in the session and dispatcher.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSessionOptions appends options for the underlying recognition session.
func WithSessionOptions(opts ...recognition.Option) Option {
	return func(c *config) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithDispatchOptions appends options for the dispatcher. They are ignored
// when [WithDispatcher] is used.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(c *config) { c.dispatchOpts = append(c.dispatchOpts, opts...) }
}

// WithDispatcher makes the pipeline deliver through d instead of a dispatcher
// of its own, keeping cooldown and idempotency state across pipelines. The
// handler passed to [New] is then unused. Pipelines sharing d must not run
// at the same time.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(c *config) { c.dispatcher = d }
}

// Pipeline is one listening session from microphone to command handler.
type Pipeline struct {
	registry      *phrase.Registry
	matcher       *match.Matcher
	dispatcher    *dispatch.Dispatcher
	queue         *audio.FrameQueue
	session       *recognition.Session
	source        recognition.FrameSource
	scorePartials bool
	metrics       *observe.Metrics
	now           func() time.Time

	// Owned by the capture goroutine.
	seq      atomic.Uint64
	captured time.Duration

	stopped atomic.Bool
	running atomic.Bool

	// dispatchMu is held while one session event is handled; Stop takes it
	// so that no handler call starts after Stop returns.
	dispatchMu sync.Mutex
	halted     bool
	failErr    error

	overflowReg metric.Registration
}

// New assembles a pipeline around engine. The pipeline takes ownership of
// engine. Matches are made against whatever snapshot registry holds when a
// final arrives, so phrases can be reloaded while listening.
func New(engine stt.Engine, registry *phrase.Registry, handler dispatch.Handler, opts ...Option) *Pipeline {
	cfg := config{
		queueCapacity: DefaultQueueCapacity,
		policy:        audio.DropOldest,
		frameBytes:    DefaultFrameBytes,
		now:           time.Now,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.matcher == nil {
		cfg.matcher = match.New()
	}

	sessOpts := []recognition.Option{recognition.WithClock(cfg.now)}
	dispOpts := []dispatch.Option{dispatch.WithClock(cfg.now)}
	if cfg.metrics != nil {
		sessOpts = append(sessOpts, recognition.WithMetrics(cfg.metrics))
		dispOpts = append(dispOpts, dispatch.WithMetrics(cfg.metrics))
	}

	disp := cfg.dispatcher
	if disp == nil {
		disp = dispatch.New(handler, append(dispOpts, cfg.dispatchOpts...)...)
	}

	p := &Pipeline{
		registry:      registry,
		matcher:       cfg.matcher,
		dispatcher:    disp,
		queue:         audio.NewFrameQueue(cfg.queueCapacity, cfg.frameBytes, cfg.policy),
		session:       recognition.New(engine, append(sessOpts, cfg.sessionOpts...)...),
		scorePartials: cfg.scorePartials,
		metrics:       cfg.metrics,
		now:           cfg.now,
	}
	p.source = p.queue
	if cfg.format.SampleRate > 0 && cfg.format.Channels > 0 {
		p.source = &convertingSource{
			queue: p.queue,
			conv:  &audio.FormatConverter{Target: cfg.format},
		}
	}
	if cfg.metrics != nil {
		reg, err := cfg.metrics.ObserveQueueOverflows(p.queue.Overflows)
		if err != nil {
			slog.Warn("pipeline: queue overflow metric unavailable", "err", err)
		} else {
			p.overflowReg = reg
		}
	}
	return p
}

// SessionID returns the ID of the underlying recognition session.
func (p *Pipeline) SessionID() string { return p.session.ID() }

// State returns the recognition session state.
func (p *Pipeline) State() recognition.State { return p.session.State() }

// Overflows returns the number of frames dropped by the full queue.
func (p *Pipeline) Overflows() uint64 { return p.queue.Overflows() }

// QueueLen returns the number of frames waiting for the recognizer.
func (p *Pipeline) QueueLen() int { return p.queue.Len() }

// Frames returns the number of frames fed to the engine so far.
func (p *Pipeline) Frames() uint64 { return p.session.Frames() }

// OnAudio is the capture callback: it stamps the next sequence number and
// enqueues a copy of pcm. It never blocks and returns false when the queue
// overflowed. It must be called from a single goroutine.
func (p *Pipeline) OnAudio(pcm []byte, format audio.Format) bool {
	if p.stopped.Load() {
		return false
	}
	f := audio.AudioFrame{
		Seq:        p.seq.Add(1),
		Data:       pcm,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Timestamp:  p.captured,
	}
	p.captured += format.Duration(len(pcm))
	return p.queue.Push(f)
}

// Run listens until ctx is done, Stop is called or the session fails. It
// returns nil after a regular stop, an error wrapping [ErrSessionFailed]
// after a fatal engine error and [recognition.ErrOutOfOrderFrame] on a
// capture sequencing bug. The engine is closed before Run returns. Run may
// be called only once.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: already running")
	}
	defer func() {
		if p.overflowReg != nil {
			_ = p.overflowReg.Unregister()
		}
	}()

	slog.Info("pipeline: listening", "session_id", p.session.ID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Stopping closes the event channel, which ends the dispatch loop.
		defer p.session.Stop()
		return p.session.Run(gctx, p.source)
	})
	g.Go(func() error {
		p.dispatchLoop(gctx)
		return nil
	})
	err := g.Wait()

	if n := p.queue.Discard(); n > 0 {
		slog.Debug("pipeline: discarded queued frames", "session_id", p.session.ID(), "frames", n)
	}
	if cerr := p.session.Close(); cerr != nil {
		slog.Warn("pipeline: close session", "session_id", p.session.ID(), "err", cerr)
	}

	p.dispatchMu.Lock()
	failErr := p.failErr
	p.dispatchMu.Unlock()

	switch {
	case errors.Is(err, recognition.ErrStopped):
		// Stop was called before the session ever started.
	case err != nil:
		return fmt.Errorf("pipeline: %w", err)
	case failErr != nil:
		return fmt.Errorf("%w: %w", ErrSessionFailed, failErr)
	}
	slog.Info("pipeline: stopped", "session_id", p.session.ID())
	return nil
}

// Stop stops listening. Queued frames are discarded, buffered transcript
// events are dropped and no handler call starts after Stop returns. Safe to
// call more than once and from any goroutine except the handler itself.
func (p *Pipeline) Stop() {
	p.stopped.Store(true)

	p.dispatchMu.Lock()
	p.halted = true
	p.dispatchMu.Unlock()

	p.session.Stop()
	p.queue.Discard()
}

func (p *Pipeline) dispatchLoop(ctx context.Context) {
	for ev := range p.session.Events() {
		p.handle(ctx, ev)
	}
}

func (p *Pipeline) handle(ctx context.Context, ev recognition.Event) {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()
	if p.halted {
		return
	}

	switch ev.Kind {
	case recognition.EventFinal:
		ctx, span := observe.StartUtteranceSpan(ctx, p.session.ID(), ev.Transcript.UtteranceID)
		res := p.match(ctx, ev.Transcript)
		if p.metrics != nil {
			p.metrics.RecordMatch(ctx, res.Matched())
		}
		if res.Matched() {
			slog.Debug("pipeline: final matched",
				"utterance_id", ev.Transcript.UtteranceID,
				"phrase_id", res.PhraseID(),
				"score", res.Score,
			)
		}
		kind := p.dispatcher.Consider(ctx, res)
		observe.EndUtteranceSpan(span, res.PhraseID(), res.Score, string(kind))

	case recognition.EventPartial:
		if p.scorePartials {
			p.dispatcher.Candidate(ctx, p.match(ctx, ev.Transcript))
		}

	case recognition.EventFailed:
		p.failErr = ev.Err
		p.dispatcher.SessionFailed(ctx, ev.Err)
	}
}

func (p *Pipeline) match(ctx context.Context, t recognition.Transcript) match.Result {
	start := time.Now()
	res := p.matcher.MatchTranscript(p.registry.Snapshot(), t)
	if p.metrics != nil {
		p.metrics.MatchDuration.Record(ctx, time.Since(start).Seconds())
	}
	return res
}

// convertingSource converts popped frames to the engine format.
type convertingSource struct {
	queue *audio.FrameQueue
	conv  *audio.FormatConverter
}

func (s *convertingSource) Pop(ctx context.Context, timeout time.Duration) (audio.AudioFrame, bool) {
	f, ok := s.queue.Pop(ctx, timeout)
	if !ok {
		return f, false
	}
	f = s.conv.Convert(f)
	if f.Data == nil {
		return f, false
	}
	return f, true
}

var (
	_ recognition.FrameSource = (*audio.FrameQueue)(nil)
	_ recognition.FrameSource = (*convertingSource)(nil)
)
