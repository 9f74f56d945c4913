// Package vosk provides a streaming recognizer engine backed by Vosk
// (alphacep/vosk-api). Vosk decodes incrementally and endpoints on its own,
// so every Feed can yield a fresh partial and the engine reports the
// recognizer's own endpoint decisions.
//
// The libvosk shared library and headers must be available at build time
// (CGO).
package vosk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	voskapi "github.com/alphacep/vosk-api/go"

	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

// recognizer is the subset of *voskapi.VoskRecognizer the engine uses.
type recognizer interface {
	AcceptWaveform(buffer []byte) int
	PartialResult() string
	Result() string
	FinalResult() string
	Reset()
	Free()
}

// models shares loaded Vosk models between providers and engines.
var models = stt.NewSharedModels(voskapi.NewModel, (*voskapi.VoskModel).Free)

// Option configures a Provider.
type Option func(*Provider)

// WithWords enables per-word timings and confidences in results.
func WithWords(enabled bool) Option {
	return func(p *Provider) { p.words = enabled }
}

// WithSampleRate sets the default sample rate, used when the StreamConfig
// leaves it unset. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// Provider creates Vosk engines from one model directory.
type Provider struct {
	modelPath  string
	sampleRate int
	words      bool
}

var _ stt.Provider = (*Provider)(nil)

// New validates that modelPath exists. The model itself is loaded lazily by
// the first engine and shared afterwards.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("vosk: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("vosk: model not found: %w", err)
	}
	p := &Provider{modelPath: modelPath, sampleRate: 16000, words: true}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewEngine creates a recognizer for one mono stream. Vosk models are
// language specific; cfg.Language is ignored.
func (p *Provider) NewEngine(ctx context.Context, cfg stt.StreamConfig) (stt.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("vosk: context already cancelled: %w", err)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("vosk: engine requires mono audio, got %d channels", cfg.Channels)
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}

	model, release, err := models.Acquire(p.modelPath)
	if err != nil {
		return nil, fmt.Errorf("vosk: %w: %w", stt.ErrEngineFatal, err)
	}
	rec, err := voskapi.NewRecognizer(model, float64(sr))
	if err != nil {
		release()
		return nil, fmt.Errorf("vosk: create recognizer: %w: %w", stt.ErrEngineFatal, err)
	}
	if p.words {
		rec.SetWords(1)
	}
	if cfg.MaxAlternatives > 0 {
		rec.SetMaxAlternatives(cfg.MaxAlternatives)
	}
	return newEngine(rec, release), nil
}

// Engine drives one Vosk recognizer.
type Engine struct {
	rec     recognizer
	release func()

	// Owned by the goroutine driving Feed/Finalize.
	lastPartial string
	pending     string // result JSON captured at the last endpoint

	mu     sync.Mutex
	closed bool
	fatal  func(error)
}

var _ stt.Engine = (*Engine)(nil)

func newEngine(rec recognizer, release func()) *Engine {
	return &Engine{rec: rec, release: release}
}

// Feed passes pcm to the recognizer. An endpoint with no recognised speech
// is swallowed so that pauses never open empty utterances.
func (e *Engine) Feed(_ context.Context, pcm []byte) (stt.Decode, error) {
	if e.isClosed() {
		return stt.Decode{}, fmt.Errorf("vosk: feed: %w: %w", stt.ErrEngineFatal, stt.ErrClosed)
	}
	if len(pcm)%2 != 0 {
		return stt.Decode{}, fmt.Errorf("vosk: odd PCM length %d: %w", len(pcm), stt.ErrTransientDecode)
	}

	switch e.rec.AcceptWaveform(pcm) {
	case 1:
		res := e.rec.Result()
		h, _, err := stt.ParseResultJSON([]byte(res))
		if err != nil {
			return stt.Decode{}, fmt.Errorf("vosk: %w: %w", stt.ErrTransientDecode, err)
		}
		hadSpeech := e.lastPartial != ""
		e.lastPartial = ""
		if h.Text == "" && !hadSpeech {
			return stt.Decode{}, nil
		}
		e.pending = res
		return stt.Decode{SpeechStart: !hadSpeech, Endpoint: true}, nil
	case 0:
		h, _, err := stt.ParseResultJSON([]byte(e.rec.PartialResult()))
		if err != nil {
			return stt.Decode{}, fmt.Errorf("vosk: %w: %w", stt.ErrTransientDecode, err)
		}
		if h.Text == "" || h.Text == e.lastPartial {
			return stt.Decode{}, nil
		}
		d := stt.Decode{SpeechStart: e.lastPartial == "", Partial: &h}
		e.lastPartial = h.Text
		return d, nil
	default:
		return stt.Decode{}, fmt.Errorf("vosk: accept waveform failed: %w", stt.ErrTransientDecode)
	}
}

// Finalize returns the result captured at the last endpoint or, when the
// caller finalizes early, flushes the recognizer.
func (e *Engine) Finalize(context.Context) (stt.Hypothesis, error) {
	if e.isClosed() {
		return stt.Hypothesis{}, fmt.Errorf("vosk: finalize: %w: %w", stt.ErrEngineFatal, stt.ErrClosed)
	}
	res := e.pending
	e.pending = ""
	e.lastPartial = ""
	if res == "" {
		res = e.rec.FinalResult()
	}
	h, _, err := stt.ParseResultJSON([]byte(res))
	if err != nil {
		return stt.Hypothesis{}, fmt.Errorf("vosk: %w: %w", stt.ErrTransientDecode, err)
	}
	return h, nil
}

// Reset discards the partially decoded utterance.
func (e *Engine) Reset() error {
	if e.isClosed() {
		return stt.ErrClosed
	}
	e.rec.Reset()
	e.pending = ""
	e.lastPartial = ""
	return nil
}

// OnFatalError stores fn. Vosk reports every failure synchronously, so the
// callback is never invoked.
func (e *Engine) OnFatalError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fatal = fn
}

// Close frees the recognizer and drops the model reference.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.rec.Free()
	if e.release != nil {
		e.release()
	}
	slog.Debug("vosk: engine closed")
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
