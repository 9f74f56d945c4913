package vosk

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

// fakeRecognizer replays scripted AcceptWaveform codes and JSON results.
type fakeRecognizer struct {
	codes    []int
	partials []string
	results  []string
	final    string

	resets int
	freed  bool
}

func (f *fakeRecognizer) AcceptWaveform([]byte) int {
	c := f.codes[0]
	f.codes = f.codes[1:]
	return c
}

func (f *fakeRecognizer) PartialResult() string {
	p := f.partials[0]
	f.partials = f.partials[1:]
	return p
}

func (f *fakeRecognizer) Result() string {
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func (f *fakeRecognizer) FinalResult() string { return f.final }
func (f *fakeRecognizer) Reset()              { f.resets++ }
func (f *fakeRecognizer) Free()               { f.freed = true }

var frame = make([]byte, 640)

func TestEngine_PartialsThenEndpoint(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{
		codes:    []int{0, 0, 0, 1},
		partials: []string{`{"partial": "turn"}`, `{"partial": "turn"}`, `{"partial": "turn on"}`},
		results:  []string{`{"text": "turn on the lights"}`},
	}
	eng := newEngine(rec, nil)
	ctx := context.Background()

	d, err := eng.Feed(ctx, frame)
	if err != nil {
		t.Fatal(err)
	}
	if !d.SpeechStart || d.Partial == nil || d.Partial.Text != "turn" {
		t.Fatalf("frame 0: got %+v, want speech start with partial 'turn'", d)
	}
	if d, _ = eng.Feed(ctx, frame); d.Partial != nil || d.SpeechStart {
		t.Fatalf("frame 1: unchanged partial reported again: %+v", d)
	}
	if d, _ = eng.Feed(ctx, frame); d.SpeechStart || d.Partial == nil || d.Partial.Text != "turn on" {
		t.Fatalf("frame 2: got %+v, want partial 'turn on'", d)
	}
	if d, _ = eng.Feed(ctx, frame); !d.Endpoint || d.SpeechStart {
		t.Fatalf("frame 3: got %+v, want endpoint", d)
	}

	h, err := eng.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if h.Text != "turn on the lights" {
		t.Errorf("Text = %q, want %q", h.Text, "turn on the lights")
	}
}

func TestEngine_SilentEndpointIsSwallowed(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{codes: []int{1}, results: []string{`{"text": ""}`}}
	eng := newEngine(rec, nil)
	d, err := eng.Feed(context.Background(), frame)
	if err != nil {
		t.Fatal(err)
	}
	if d.Endpoint || d.SpeechStart {
		t.Errorf("got %+v, want empty decode for a silent endpoint", d)
	}
}

func TestEngine_EndpointWithoutPartial(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{codes: []int{1}, results: []string{`{"text": "stop"}`}}
	eng := newEngine(rec, nil)
	d, _ := eng.Feed(context.Background(), frame)
	if !d.SpeechStart || !d.Endpoint {
		t.Fatalf("got %+v, want speech start and endpoint", d)
	}
	h, _ := eng.Finalize(context.Background())
	if h.Text != "stop" {
		t.Errorf("Text = %q, want stop", h.Text)
	}
}

func TestEngine_EarlyFinalizeFlushes(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{
		codes:    []int{0},
		partials: []string{`{"partial": "open"}`},
		final:    `{"text": "open the"}`,
	}
	eng := newEngine(rec, nil)
	_, _ = eng.Feed(context.Background(), frame)
	h, err := eng.Finalize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.Text != "open the" {
		t.Errorf("Text = %q, want %q", h.Text, "open the")
	}
}

func TestEngine_Errors(t *testing.T) {
	t.Parallel()

	t.Run("accept failure is transient", func(t *testing.T) {
		t.Parallel()
		eng := newEngine(&fakeRecognizer{codes: []int{-1}}, nil)
		if _, err := eng.Feed(context.Background(), frame); !errors.Is(err, stt.ErrTransientDecode) {
			t.Errorf("err = %v, want ErrTransientDecode", err)
		}
	})
	t.Run("garbled partial is transient", func(t *testing.T) {
		t.Parallel()
		eng := newEngine(&fakeRecognizer{codes: []int{0}, partials: []string{`{`}}, nil)
		if _, err := eng.Feed(context.Background(), frame); !errors.Is(err, stt.ErrTransientDecode) {
			t.Errorf("err = %v, want ErrTransientDecode", err)
		}
	})
	t.Run("odd frame is transient", func(t *testing.T) {
		t.Parallel()
		eng := newEngine(&fakeRecognizer{}, nil)
		if _, err := eng.Feed(context.Background(), []byte{1}); !errors.Is(err, stt.ErrTransientDecode) {
			t.Errorf("err = %v, want ErrTransientDecode", err)
		}
	})
}

func TestEngine_ResetAndClose(t *testing.T) {
	t.Parallel()

	released := 0
	rec := &fakeRecognizer{}
	eng := newEngine(rec, func() { released++ })

	if err := eng.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if rec.resets != 1 {
		t.Errorf("recognizer resets = %d, want 1", rec.resets)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = eng.Close()
	if !rec.freed || released != 1 {
		t.Errorf("freed=%v released=%d, want true and 1", rec.freed, released)
	}
	if _, err := eng.Feed(context.Background(), frame); !errors.Is(err, stt.ErrEngineFatal) {
		t.Errorf("Feed after Close: err = %v, want ErrEngineFatal", err)
	}
}

func TestNew_MissingModel(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := New("/nonexistent/vosk-model"); err == nil {
		t.Error("expected error for missing model directory")
	}
}
