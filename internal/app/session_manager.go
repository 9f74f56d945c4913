package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxtrigger/internal/config"
	"github.com/MrWong99/voxtrigger/internal/dispatch"
	"github.com/MrWong99/voxtrigger/internal/match"
	"github.com/MrWong99/voxtrigger/internal/observe"
	"github.com/MrWong99/voxtrigger/internal/phrase"
	"github.com/MrWong99/voxtrigger/internal/pipeline"
	"github.com/MrWong99/voxtrigger/internal/recognition"
	"github.com/MrWong99/voxtrigger/internal/resilience"
	"github.com/MrWong99/voxtrigger/pkg/audio"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

// DefaultDrainGrace is how long a finished recording keeps the session open
// after its last frame was fed, so the engine can endpoint the final
// utterance.
const DefaultDrainGrace = 750 * time.Millisecond

var (
	// ErrAlreadyListening is returned by [SessionManager.Start] while a
	// listening period is active.
	ErrAlreadyListening = errors.New("app: already listening")

	// ErrNotListening is returned by [SessionManager.Stop] when nothing is
	// listening.
	ErrNotListening = errors.New("app: not listening")
)

// SessionInfo describes the listening state for /status.
type SessionInfo struct {
	Listening  bool      `json:"listening"`
	SessionID  string    `json:"session_id,omitempty"`
	State      string    `json:"state"`
	Recognizer string    `json:"recognizer,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	Restarts   int       `json:"restarts"`
	Frames     uint64    `json:"frames"`
	QueueLen   int       `json:"queue_len"`
	Overflows  uint64    `json:"overflows"`
	Breaker    string    `json:"breaker"`
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Source     audio.Source
	Recognizer stt.Provider
	Registry   *phrase.Registry
	Handler    dispatch.Handler
	Config     *config.Config

	// Optional.
	Matcher *match.Matcher
	Metrics *observe.Metrics

	// Breaker gates restarts after session failures. Built from
	// Config.Recognizer.Restart when nil.
	Breaker *resilience.CircuitBreaker

	// ActiveRecognizer names the recognizer that served the latest engine.
	ActiveRecognizer func() string

	// DrainGrace overrides [DefaultDrainGrace].
	DrainGrace time.Duration
}

// SessionManager owns the listening lifecycle: it starts capture, runs one
// [pipeline.Pipeline] at a time and replaces it with a fresh one, after a
// backoff, whenever the recognition session fails. Restarts stop while the
// circuit breaker is open. Only one listening period can be active at a
// time. All exported methods are safe for concurrent use.
type SessionManager struct {
	source     audio.Source
	recognizer stt.Provider
	registry   *phrase.Registry
	handler    dispatch.Handler
	cfg        *config.Config
	matcher    *match.Matcher
	metrics    *observe.Metrics
	breaker    *resilience.CircuitBreaker
	activeName func() string

	// dispatcher outlives pipelines so cooldowns survive restarts. Only the
	// running pipeline's dispatch goroutine uses it.
	dispatcher *dispatch.Dispatcher
	drainGrace time.Duration

	current     atomic.Pointer[pipeline.Pipeline]
	sourceEnded atomic.Bool
	finished    chan struct{}
	finishOnce  sync.Once

	mu        sync.Mutex
	active    bool
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	restarts  int
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		source:     cfg.Source,
		recognizer: cfg.Recognizer,
		registry:   cfg.Registry,
		handler:    cfg.Handler,
		cfg:        cfg.Config,
		matcher:    cfg.Matcher,
		metrics:    cfg.Metrics,
		breaker:    cfg.Breaker,
		activeName: cfg.ActiveRecognizer,
		drainGrace: cfg.DrainGrace,
		finished:   make(chan struct{}),
	}
	if sm.breaker == nil {
		rs := cfg.Config.Recognizer.Restart
		sm.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "session-restart",
			MaxFailures:  rs.MaxFailures,
			ResetTimeout: rs.ResetTimeout,
		})
	}
	if sm.matcher == nil {
		sm.matcher = newMatcher(cfg.Config.Matcher)
	}
	if sm.drainGrace <= 0 {
		sm.drainGrace = DefaultDrainGrace
	}
	var dispOpts []dispatch.Option
	if sm.metrics != nil {
		dispOpts = append(dispOpts, dispatch.WithMetrics(sm.metrics))
	}
	sm.dispatcher = dispatch.New(sm.handler, dispOpts...)
	return sm
}

// Start begins listening. The first recognition session is created before
// capture starts so that no audio is lost, and an error is returned if no
// recognizer can create an engine, capture cannot start or the manager is
// already listening. Later sessions are created in the background.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return ErrAlreadyListening
	}

	first, err := sm.newPipeline(ctx)
	if err != nil {
		return fmt.Errorf("app: start listening: %w", err)
	}
	sm.current.Store(first)

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := sm.source.Start(sessCtx, sm.onAudio); err != nil {
		cancel()
		sm.current.Store(nil)
		first.Stop()
		_ = first.Run(sessCtx) // releases the engine
		return fmt.Errorf("app: start audio source: %w", err)
	}

	done := make(chan struct{})
	sm.sourceEnded.Store(false)
	sm.active = true
	sm.cancel = cancel
	sm.done = done
	sm.startedAt = time.Now().UTC()
	sm.restarts = 0

	go sm.supervise(sessCtx, done, first)

	slog.Info("app: listening started", "format", sm.source.Format().String())
	return nil
}

// Stop ends listening and waits for the running session to wind down or
// ctx to expire. Returns an error if not listening.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return ErrNotListening
	}
	cancel, done := sm.cancel, sm.done
	sm.mu.Unlock()

	cancel()
	if p := sm.current.Load(); p != nil {
		p.Stop()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("app: stop listening: %w", ctx.Err())
	}
	slog.Info("app: listening stopped")
	return nil
}

// IsActive reports whether the manager is listening.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Finished returns a channel that is closed once a finite source (a WAV
// replay) has been played and recognised to the end. It never closes for
// live capture.
func (sm *SessionManager) Finished() <-chan struct{} { return sm.finished }

// State returns the state of the current recognition session, or
// [recognition.StateIdle] between sessions.
func (sm *SessionManager) State() recognition.State {
	if p := sm.current.Load(); p != nil {
		return p.State()
	}
	return recognition.StateIdle
}

// Info returns a snapshot of the listening state.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	info := SessionInfo{
		Listening: sm.active,
		StartedAt: sm.startedAt,
		Restarts:  sm.restarts,
	}
	sm.mu.Unlock()

	info.State = sm.State().String()
	info.Breaker = sm.breaker.State().String()
	if sm.activeName != nil {
		info.Recognizer = sm.activeName()
	}
	if p := sm.current.Load(); p != nil {
		info.SessionID = p.SessionID()
		info.Frames = p.Frames()
		info.QueueLen = p.QueueLen()
		info.Overflows = p.Overflows()
	}
	return info
}

// onAudio is the capture callback. Audio that arrives between sessions is
// dropped.
func (sm *SessionManager) onAudio(pcm []byte, f audio.Format) {
	if p := sm.current.Load(); p != nil {
		p.OnAudio(pcm, f)
	}
}

// supervise runs sessions, starting with first, until ctx is cancelled or a
// finite source has been fully recognised.
func (sm *SessionManager) supervise(ctx context.Context, done chan struct{}, first *pipeline.Pipeline) {
	defer func() {
		if first != nil {
			// Stopped before the first session ran.
			sm.current.CompareAndSwap(first, nil)
			first.Stop()
			_ = first.Run(context.Background())
		}
		sm.mu.Lock()
		cancel := sm.cancel
		sm.active = false
		sm.cancel = nil
		sm.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(done)
		if sm.sourceEnded.Load() {
			sm.finishOnce.Do(func() { close(sm.finished) })
		}
	}()

	rs := sm.cfg.Recognizer.Restart
	backoff := rs.Backoff
	for ctx.Err() == nil {
		probe, err := sm.breaker.Allow()
		if err != nil && first == nil {
			wait := max(sm.breaker.RetryAfter(), rs.Backoff)
			slog.Warn("app: restarts paused, circuit open", "retry_after", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		started := time.Now()
		err = sm.runSession(ctx, first)
		first = nil
		if ctx.Err() != nil && err != nil && !errors.Is(err, pipeline.ErrSessionFailed) {
			// Cancelled while creating the engine.
			err = nil
		}
		sm.breaker.Record(probe, err)
		if err == nil {
			return
		}

		if time.Since(started) > rs.MaxBackoff {
			backoff = rs.Backoff
		}
		slog.Error("app: listening session failed, restarting",
			"err", err, "backoff", backoff, "consecutive_failures", sm.breaker.Failures())
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, rs.MaxBackoff)

		sm.mu.Lock()
		sm.restarts++
		sm.mu.Unlock()
		if sm.metrics != nil {
			sm.metrics.Restarts.Add(ctx, 1)
		}
	}
}

// runSession runs p, or a pipeline over a fresh engine when p is nil. It
// returns nil when the pipeline was stopped regularly.
func (sm *SessionManager) runSession(ctx context.Context, p *pipeline.Pipeline) error {
	if p == nil {
		var err error
		if p, err = sm.newPipeline(ctx); err != nil {
			return err
		}
		sm.current.Store(p)
	}
	defer sm.current.CompareAndSwap(p, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if fin, ok := sm.source.(audio.Finite); ok {
		go sm.stopWhenDrained(runCtx, fin, p)
	}
	return p.Run(runCtx)
}

// stopWhenDrained stops p once a finite source has ended, its queue is empty
// and the drain grace has passed.
func (sm *SessionManager) stopWhenDrained(ctx context.Context, fin audio.Finite, p *pipeline.Pipeline) {
	select {
	case <-ctx.Done():
		return
	case <-fin.Done():
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for p.QueueLen() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
	if !sleep(ctx, sm.drainGrace) {
		return
	}
	slog.Info("app: audio source finished", "session_id", p.SessionID(), "frames", p.Frames())
	sm.sourceEnded.Store(true)
	p.Stop()
}

func (sm *SessionManager) newPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	rc := sm.cfg.Recognizer
	eng, err := sm.recognizer.NewEngine(ctx, stt.StreamConfig{
		SampleRate: rc.SampleRate,
		Channels:   1,
		Language:   rc.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return pipeline.New(eng, sm.registry, sm.handler, sm.pipelineOptions()...), nil
}

func (sm *SessionManager) pipelineOptions() []pipeline.Option {
	a := sm.cfg.Audio
	policy, err := audio.ParseOverflowPolicy(a.OverflowPolicy)
	if err != nil {
		policy = audio.DropOldest
	}
	opts := []pipeline.Option{
		pipeline.WithQueueCapacity(a.QueueCapacity),
		pipeline.WithOverflowPolicy(policy),
		pipeline.WithFrameBytes(a.Format().FrameBytes(a.FrameDuration())),
		pipeline.WithFormat(audio.Format{SampleRate: sm.cfg.Recognizer.SampleRate, Channels: 1}),
		pipeline.WithScorePartials(sm.cfg.Matcher.ScorePartials),
		pipeline.WithMatcher(sm.matcher),
		pipeline.WithDispatcher(sm.dispatcher),
	}
	if sm.metrics != nil {
		opts = append(opts, pipeline.WithMetrics(sm.metrics))
	}
	return opts
}

// newMatcher builds a matcher from config. Unknown methods were rejected by
// config validation.
func newMatcher(mc config.MatcherConfig) *match.Matcher {
	var opts []match.Option
	if mc.Method != "" {
		opts = append(opts, match.WithMethod(match.Method(mc.Method)))
	}
	if mc.MaxTranscriptLength > 0 {
		opts = append(opts, match.WithMaxLength(mc.MaxTranscriptLength))
	}
	return match.New(opts...)
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
