package app_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxtrigger/internal/app"
	"github.com/MrWong99/voxtrigger/internal/config"
	"github.com/MrWong99/voxtrigger/internal/dispatch"
	"github.com/MrWong99/voxtrigger/internal/phrase"
	"github.com/MrWong99/voxtrigger/internal/recognition"
	"github.com/MrWong99/voxtrigger/pkg/audio"
	audiomock "github.com/MrWong99/voxtrigger/pkg/audio/mock"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxtrigger/pkg/provider/stt/mock"
)

const testYAML = `
audio:
  source: {name: wavfile}
recognizer:
  primary: {name: mock}
  restart:
    backoff: 10ms
    max_backoff: 50ms
    max_failures: 3
    reset_timeout: 1s
phrases:
  - {id: lights_on, text: turn on the lights}
  - {id: lights_off, text: turn off the lights}
`

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return configFrom(t, testYAML)
}

func configFrom(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// engineFactory is an stt.Provider that hands out a fresh mock engine per
// call and remembers them.
type engineFactory struct {
	mu      sync.Mutex
	engines []*sttmock.Engine
	script  func() *sttmock.Engine
}

func (f *engineFactory) NewEngine(context.Context, stt.StreamConfig) (stt.Engine, error) {
	eng := &sttmock.Engine{}
	if f.script != nil {
		eng = f.script()
	}
	f.mu.Lock()
	f.engines = append(f.engines, eng)
	f.mu.Unlock()
	return eng, nil
}

func (f *engineFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *engineFactory) engine(i int) *sttmock.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (r *eventRecorder) HandleEvent(_ context.Context, ev dispatch.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []dispatch.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]dispatch.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *eventRecorder) triggered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, ev := range r.events {
		if ev.Kind == dispatch.EventTriggered {
			ids = append(ids, ev.PhraseID)
		}
	}
	return ids
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type smFixture struct {
	sm      *app.SessionManager
	source  *audiomock.Source
	engines *engineFactory
	events  *eventRecorder
}

func newTestSessionManager(t *testing.T) *smFixture {
	t.Helper()
	return newSessionManagerFrom(t, testConfig(t))
}

func newSessionManagerFrom(t *testing.T, cfg *config.Config) *smFixture {
	t.Helper()
	reg := phrase.NewRegistry()
	if err := reg.Load(cfg.PhraseSpecs()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f := &smFixture{
		source:  &audiomock.Source{SourceFormat: mono16k},
		engines: &engineFactory{},
		events:  &eventRecorder{},
	}
	f.sm = app.NewSessionManager(app.SessionManagerConfig{
		Source:     f.source,
		Recognizer: f.engines,
		Registry:   reg,
		Handler:    f.events,
		Config:     cfg,
		DrainGrace: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		if f.sm.IsActive() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = f.sm.Stop(ctx)
		}
	})
	return f
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	ctx := context.Background()

	if err := f.sm.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !f.sm.IsActive() {
		t.Fatal("expected manager to be active after Start")
	}
	eventually(t, "listening state", func() bool { return f.sm.State() == recognition.StateListening })

	info := f.sm.Info()
	if !info.Listening {
		t.Error("Info.Listening = false, want true")
	}
	if info.SessionID == "" {
		t.Error("SessionID should not be empty")
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt should be set")
	}
	if info.Breaker != "closed" {
		t.Errorf("Breaker = %q, want closed", info.Breaker)
	}
	if f.source.StartCallCount != 1 {
		t.Errorf("source Start calls = %d, want 1", f.source.StartCallCount)
	}

	if err := f.sm.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if f.sm.IsActive() {
		t.Fatal("expected manager to be inactive after Stop")
	}
	if f.sm.State() != recognition.StateIdle {
		t.Errorf("State after Stop = %v, want idle", f.sm.State())
	}
	if !f.engines.engine(0).Closed() {
		t.Error("engine not closed after Stop")
	}
	select {
	case <-f.sm.Finished():
		t.Error("Finished closed after a manual stop")
	default:
	}
}

func TestSessionManager_DoubleStart(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	ctx := context.Background()
	if err := f.sm.Start(ctx); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	if err := f.sm.Start(ctx); !errors.Is(err, app.ErrAlreadyListening) {
		t.Fatalf("second Start() = %v, want ErrAlreadyListening", err)
	}
	if n := f.engines.count(); n != 1 {
		t.Errorf("engines created = %d, want 1", n)
	}
}

func TestSessionManager_StopWithoutStart(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	if err := f.sm.Stop(context.Background()); !errors.Is(err, app.ErrNotListening) {
		t.Fatalf("Stop() = %v, want ErrNotListening", err)
	}
}

func TestSessionManager_RestartAfterStop(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	ctx := context.Background()
	for i := range 2 {
		if err := f.sm.Start(ctx); err != nil {
			t.Fatalf("Start #%d error: %v", i+1, err)
		}
		if err := f.sm.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d error: %v", i+1, err)
		}
	}
	if n := f.engines.count(); n != 2 {
		t.Errorf("engines created = %d, want 2", n)
	}
}

func TestSessionManager_StartErrors(t *testing.T) {
	t.Parallel()

	errNoModel := errors.New("model not found")
	errNoDevice := errors.New("no input device")

	tests := []struct {
		name       string
		recognizer stt.Provider
		startErr   error
		wantErr    error
		wantStarts int
	}{
		{
			name:       "engine creation fails",
			recognizer: &sttmock.Provider{NewEngineErr: errNoModel},
			wantErr:    errNoModel,
			wantStarts: 0,
		},
		{
			name:       "source fails",
			recognizer: &sttmock.Provider{Engine: &sttmock.Engine{}},
			startErr:   errNoDevice,
			wantErr:    errNoDevice,
			wantStarts: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := &audiomock.Source{SourceFormat: mono16k, StartErr: tt.startErr}
			sm := app.NewSessionManager(app.SessionManagerConfig{
				Source:     src,
				Recognizer: tt.recognizer,
				Registry:   phrase.NewRegistry(),
				Handler:    &eventRecorder{},
				Config:     testConfig(t),
			})

			err := sm.Start(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start() = %v, want %v", err, tt.wantErr)
			}
			if sm.IsActive() {
				t.Error("manager active after failed Start")
			}
			if src.StartCallCount != tt.wantStarts {
				t.Errorf("source Start calls = %d, want %d", src.StartCallCount, tt.wantStarts)
			}
			if mp, ok := tt.recognizer.(*sttmock.Provider); ok && mp.Engine != nil {
				if !mp.Engine.(*sttmock.Engine).Closed() {
					t.Error("engine leaked after failed Start")
				}
			}
		})
	}
}

func TestSessionManager_FeedsAndTriggers(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	f.engines.script = func() *sttmock.Engine {
		return &sttmock.Engine{
			FeedScript: []sttmock.FeedResult{
				{Decode: stt.Decode{SpeechStart: true}},
				{Decode: stt.Decode{Endpoint: true}},
			},
			FinalizeScript: []sttmock.FinalizeResult{{Hypothesis: stt.Hypothesis{Text: "turn on the lights", Confidence: 0.9}}},
		}
	}
	if err := f.sm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	for range 2 {
		if err := f.source.Emit(make([]byte, 640)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	eventually(t, "trigger", func() bool { return len(f.events.triggered()) == 1 })
	if got := f.events.triggered()[0]; got != "lights_on" {
		t.Errorf("triggered = %q, want lights_on", got)
	}
	if got := f.sm.Info().Frames; got != 2 {
		t.Errorf("Frames = %d, want 2", got)
	}
}

func TestSessionManager_RestartsAfterFatalError(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	if err := f.sm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	eventually(t, "first session listening", func() bool { return f.sm.State() == recognition.StateListening })

	f.engines.engine(0).TriggerFatal(fmt.Errorf("%w: device lost", stt.ErrEngineFatal))

	eventually(t, "replacement engine", func() bool { return f.engines.count() == 2 })
	eventually(t, "second session listening", func() bool { return f.sm.State() == recognition.StateListening })

	info := f.sm.Info()
	if info.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", info.Restarts)
	}
	if !info.Listening {
		t.Error("manager stopped listening after a restart")
	}
	if !f.engines.engine(0).Closed() {
		t.Error("failed engine not closed")
	}

	var failed int
	for _, k := range f.events.kinds() {
		if k == dispatch.EventSessionFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("session_failed events = %d, want 1", failed)
	}
}

func TestSessionManager_FiniteSourceFinishes(t *testing.T) {
	t.Parallel()

	f := newTestSessionManager(t)
	if err := f.sm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	for range 5 {
		_ = f.source.Emit(make([]byte, 640))
	}
	f.source.Finish()

	select {
	case <-f.sm.Finished():
	case <-time.After(2 * time.Second):
		t.Fatal("Finished not closed after the source ended")
	}
	eventually(t, "inactive", func() bool { return !f.sm.IsActive() })
	if got := f.engines.engine(0).FeedCallCount(); got != 5 {
		t.Errorf("frames fed = %d, want 5", got)
	}
	if f.engines.count() != 1 {
		t.Errorf("engines created = %d, want 1", f.engines.count())
	}
}

// lightsOnEngine returns engines that hear "turn on the lights" once, spread
// over two frames.
func lightsOnEngine() *sttmock.Engine {
	return &sttmock.Engine{
		FeedScript: []sttmock.FeedResult{
			{Decode: stt.Decode{SpeechStart: true}},
			{Decode: stt.Decode{Endpoint: true}},
		},
		FinalizeScript: []sttmock.FinalizeResult{{Hypothesis: stt.Hypothesis{Text: "turn on the lights", Confidence: 0.9}}},
	}
}

func TestSessionManager_CooldownSurvivesRestart(t *testing.T) {
	t.Parallel()

	const cooldownYAML = `
audio:
  source: {name: wavfile}
recognizer:
  primary: {name: mock}
  restart:
    backoff: 10ms
    max_backoff: 50ms
    max_failures: 3
    reset_timeout: 1s
phrases:
  - {id: lights_on, text: turn on the lights, cooldown: 1h}
`

	tests := []struct {
		name    string
		restart func(t *testing.T, f *smFixture)
	}{
		{
			name: "fatal engine error",
			restart: func(t *testing.T, f *smFixture) {
				f.engines.engine(0).TriggerFatal(fmt.Errorf("%w: device lost", stt.ErrEngineFatal))
			},
		},
		{
			name: "stop and start",
			restart: func(t *testing.T, f *smFixture) {
				ctx := context.Background()
				if err := f.sm.Stop(ctx); err != nil {
					t.Fatalf("Stop() error: %v", err)
				}
				if err := f.sm.Start(ctx); err != nil {
					t.Fatalf("Start() error: %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newSessionManagerFrom(t, configFrom(t, cooldownYAML))
			f.engines.script = lightsOnEngine
			if err := f.sm.Start(context.Background()); err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			speak := func() {
				for range 2 {
					if err := f.source.Emit(make([]byte, 640)); err != nil {
						t.Fatalf("Emit: %v", err)
					}
				}
			}

			eventually(t, "first session listening", func() bool { return f.sm.State() == recognition.StateListening })
			speak()
			eventually(t, "first trigger", func() bool { return len(f.events.triggered()) == 1 })

			tt.restart(t, f)
			eventually(t, "replacement engine", func() bool { return f.engines.count() == 2 })
			eventually(t, "second session listening", func() bool { return f.sm.State() == recognition.StateListening })

			speak()
			eventually(t, "suppression", func() bool { return slices.Contains(f.events.kinds(), dispatch.EventSuppressed) })

			if got := f.events.triggered(); len(got) != 1 {
				t.Errorf("triggered = %v, want lights_on once within its cooldown", got)
			}
		})
	}
}
