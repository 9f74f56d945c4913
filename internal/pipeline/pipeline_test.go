package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voxtrigger/internal/dispatch"
	"github.com/MrWong99/voxtrigger/internal/phrase"
	"github.com/MrWong99/voxtrigger/internal/recognition"
	"github.com/MrWong99/voxtrigger/pkg/audio"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxtrigger/pkg/provider/stt/mock"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

type chanHandler chan dispatch.Event

func (h chanHandler) HandleEvent(_ context.Context, ev dispatch.Event) { h <- ev }

func (h chanHandler) next(t *testing.T) dispatch.Event {
	t.Helper()
	select {
	case ev := <-h:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch event")
	}
	return dispatch.Event{}
}

func newRegistry(t *testing.T) *phrase.Registry {
	t.Helper()
	r := phrase.NewRegistry()
	err := r.Load([]phrase.Spec{
		{ID: "lights_on", Text: "turn on the lights", Threshold: 0.8},
		{ID: "lights_off", Text: "turn off the lights", Threshold: 0.8},
		{ID: "time", Text: "what time is it", Threshold: 0.85},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func fastPoll() Option {
	return WithSessionOptions(recognition.WithPollInterval(5 * time.Millisecond))
}

// start runs p in the background and returns a function waiting for Run's
// result.
func start(t *testing.T, p *Pipeline) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	t.Cleanup(p.Stop)
	return func() error {
		t.Helper()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
		return nil
	}
}

func utterance(final string, partials ...string) *sttmock.Engine {
	script := make([]sttmock.FeedResult, 0, len(partials)+1)
	for i, text := range partials {
		script = append(script, sttmock.FeedResult{Decode: stt.Decode{
			SpeechStart: i == 0,
			Partial:     &stt.Hypothesis{Text: text, Confidence: 0.6},
		}})
	}
	script = append(script, sttmock.FeedResult{Decode: stt.Decode{Endpoint: true}})
	return &sttmock.Engine{
		FeedScript:     script,
		FinalizeScript: []sttmock.FinalizeResult{{Hypothesis: stt.Hypothesis{Text: final, Confidence: 0.9}}},
	}
}

func pushFrames(p *Pipeline, n int) {
	for range n {
		p.OnAudio(make([]byte, 640), mono16k)
	}
}

func TestPipeline_FinalTriggersCommand(t *testing.T) {
	t.Parallel()

	eng := utterance("turn on lights", "turn", "turn on")
	h := make(chanHandler, 16)
	p := New(eng, newRegistry(t), h, fastPoll())
	wait := start(t, p)

	pushFrames(p, 3)

	ev := h.next(t)
	if ev.Kind != dispatch.EventTriggered {
		t.Fatalf("Kind = %q, want triggered", ev.Kind)
	}
	if ev.PhraseID != "lights_on" {
		t.Errorf("PhraseID = %q, want lights_on", ev.PhraseID)
	}
	if ev.Score < 0.8 {
		t.Errorf("Score = %v, want >= 0.8", ev.Score)
	}
	if ev.UtteranceID == "" {
		t.Error("UtteranceID is empty")
	}

	p.Stop()
	if err := wait(); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if p.State() != recognition.StateStopped {
		t.Errorf("State = %v, want stopped", p.State())
	}
	if !eng.Closed() {
		t.Error("engine not closed after Run")
	}
}

func TestPipeline_UnmatchedFinalFiresNothing(t *testing.T) {
	t.Parallel()

	eng := utterance("play some jazz music")
	h := make(chanHandler, 16)
	p := New(eng, newRegistry(t), h, fastPoll())
	wait := start(t, p)

	pushFrames(p, 1)
	deadline := time.Now().Add(time.Second)
	for p.Frames() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the dispatch goroutine time to see the final.
	time.Sleep(50 * time.Millisecond)
	p.Stop()
	if err := wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	select {
	case ev := <-h:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestPipeline_ScorePartialsEmitsCandidates(t *testing.T) {
	t.Parallel()

	eng := utterance("turn off the lights", "turn off the lights")
	h := make(chanHandler, 16)
	p := New(eng, newRegistry(t), h, fastPoll(), WithScorePartials(true))
	wait := start(t, p)

	pushFrames(p, 2)

	if ev := h.next(t); ev.Kind != dispatch.EventCandidate || ev.PhraseID != "lights_off" {
		t.Errorf("first event = %s/%s, want candidate/lights_off", ev.Kind, ev.PhraseID)
	}
	if ev := h.next(t); ev.Kind != dispatch.EventTriggered || ev.PhraseID != "lights_off" {
		t.Errorf("second event = %s/%s, want triggered/lights_off", ev.Kind, ev.PhraseID)
	}
	p.Stop()
	_ = wait()
}

func TestPipeline_FatalErrorReportsSessionFailed(t *testing.T) {
	t.Parallel()

	modelGone := fmt.Errorf("%w: model unloaded", stt.ErrEngineFatal)
	eng := &sttmock.Engine{FeedScript: []sttmock.FeedResult{{Err: modelGone}}}
	h := make(chanHandler, 16)
	p := New(eng, newRegistry(t), h, fastPoll())
	wait := start(t, p)

	pushFrames(p, 1)

	ev := h.next(t)
	if ev.Kind != dispatch.EventSessionFailed {
		t.Fatalf("Kind = %q, want session_failed", ev.Kind)
	}
	if !errors.Is(ev.Err, stt.ErrEngineFatal) {
		t.Errorf("Err = %v, want ErrEngineFatal", ev.Err)
	}

	err := wait()
	if !errors.Is(err, ErrSessionFailed) || !errors.Is(err, stt.ErrEngineFatal) {
		t.Errorf("Run = %v, want ErrSessionFailed wrapping ErrEngineFatal", err)
	}
	if p.State() != recognition.StateStopped {
		t.Errorf("State = %v, want stopped", p.State())
	}
}

func TestPipeline_StopBeforeRun(t *testing.T) {
	t.Parallel()

	eng := &sttmock.Engine{}
	p := New(eng, newRegistry(t), make(chanHandler, 1))
	p.Stop()

	if p.OnAudio(make([]byte, 640), mono16k) {
		t.Error("OnAudio accepted a frame after Stop")
	}
	if err := p.Run(context.Background()); err != nil {
		t.Errorf("Run after Stop = %v, want nil", err)
	}
	if eng.FeedCallCount() != 0 {
		t.Errorf("engine fed %d frames", eng.FeedCallCount())
	}
}

func TestPipeline_RunTwice(t *testing.T) {
	t.Parallel()

	p := New(&sttmock.Engine{}, newRegistry(t), make(chanHandler, 1), fastPoll())
	wait := start(t, p)
	deadline := time.Now().Add(time.Second)
	for p.State() != recognition.StateListening && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
	p.Stop()
	_ = wait()
}

func TestPipeline_ContextCancelStops(t *testing.T) {
	t.Parallel()

	eng := &sttmock.Engine{}
	p := New(eng, newRegistry(t), make(chanHandler, 1), fastPoll())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored context cancellation")
	}
	if !eng.Closed() {
		t.Error("engine not closed")
	}
}

func TestPipeline_OverflowCounting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy audio.OverflowPolicy
	}{
		{"drop oldest", audio.DropOldest},
		{"drop newest", audio.DropNewest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := New(&sttmock.Engine{}, newRegistry(t), make(chanHandler, 1),
				WithQueueCapacity(2), WithOverflowPolicy(tc.policy))

			var rejected int
			for range 5 {
				if !p.OnAudio(make([]byte, 640), mono16k) {
					rejected++
				}
			}
			if rejected != 3 || p.Overflows() != 3 {
				t.Errorf("rejected = %d, overflows = %d, want 3 and 3", rejected, p.Overflows())
			}
			if p.QueueLen() != 2 {
				t.Errorf("QueueLen = %d, want 2", p.QueueLen())
			}
		})
	}
}

func TestPipeline_ConvertsToEngineFormat(t *testing.T) {
	t.Parallel()

	eng := &sttmock.Engine{}
	p := New(eng, newRegistry(t), make(chanHandler, 1), fastPoll(), WithFormat(mono16k))
	wait := start(t, p)

	// 20ms of 48kHz stereo.
	p.OnAudio(make([]byte, 3840), audio.Format{SampleRate: 48000, Channels: 2})

	deadline := time.Now().Add(2 * time.Second)
	for eng.FeedCallCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	_ = wait()

	if len(eng.Frames) != 1 {
		t.Fatalf("engine got %d frames, want 1", len(eng.Frames))
	}
	if got := len(eng.Frames[0]); got != 640 {
		t.Errorf("converted frame = %d bytes, want 640", got)
	}
}

func TestPipeline_RegistryReloadWhileListening(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	eng := utterance("open the pod bay doors")
	h := make(chanHandler, 16)
	p := New(eng, reg, h, fastPoll())

	if err := reg.Load([]phrase.Spec{{ID: "pod_bay", Text: "open the pod bay doors", Threshold: 0.9}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	wait := start(t, p)
	pushFrames(p, 1)

	if ev := h.next(t); ev.PhraseID != "pod_bay" {
		t.Errorf("PhraseID = %q, want pod_bay", ev.PhraseID)
	}
	p.Stop()
	_ = wait()
}
