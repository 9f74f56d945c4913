package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
	"github.com/MrWong99/voxtrigger/pkg/provider/vad"
	"github.com/MrWong99/voxtrigger/pkg/provider/vad/energy"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
	defaultPreRollMs           = 300
)

// transcriber runs batch inference over one utterance of mono PCM.
type transcriber interface {
	transcribe(ctx context.Context, pcm []byte) (string, error)
}

// settings holds the options shared by the HTTP and native providers.
type settings struct {
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	preRollMs           int
	vadEngine           vad.Engine
	vadConfig           *vad.Config
}

func defaultSettings() settings {
	return settings{
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		preRollMs:           defaultPreRollMs,
		vadEngine:           energy.Engine{},
	}
}

// vadSession opens the endpointer for a stream at sampleRate.
func (s settings) vadSession(sampleRate int) (vad.SessionHandle, error) {
	cfg := energy.DefaultConfig()
	if s.vadConfig != nil {
		cfg = *s.vadConfig
	}
	cfg.SampleRate = sampleRate
	cfg.MinSilenceMs = s.silenceThresholdMs
	return s.vadEngine.NewSession(cfg)
}

// batchEngine adapts a batch transcriber to the streaming stt.Engine contract.
// A VAD session decides where utterances start and end; the speech between
// those points (plus a short pre-roll) is buffered and transcribed in one
// request when the caller finalizes.
type batchEngine struct {
	name       string
	tr         transcriber
	vad        vad.SessionHandle
	sampleRate int

	maxBufferBytes int
	preRollBytes   int

	// Owned by the goroutine driving Feed/Finalize.
	preRoll  []byte
	buffer   []byte
	inSpeech bool

	mu      sync.Mutex
	closed  bool
	fatal   func(error)
	release func()
}

var _ stt.Engine = (*batchEngine)(nil)

func newBatchEngine(name string, tr transcriber, s settings, sampleRate int, release func()) (*batchEngine, error) {
	vs, err := s.vadSession(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("whisper: create VAD session: %w", err)
	}
	bytesPerMs := sampleRate * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32 // 16 kHz mono fallback
	}
	return &batchEngine{
		name:           name,
		tr:             tr,
		vad:            vs,
		sampleRate:     sampleRate,
		maxBufferBytes: s.maxBufferDurationMs * bytesPerMs,
		preRollBytes:   s.preRollMs * bytesPerMs,
		release:        release,
	}, nil
}

// Feed runs the frame through the endpointer and buffers speech.
func (e *batchEngine) Feed(_ context.Context, pcm []byte) (stt.Decode, error) {
	if e.isClosed() {
		return stt.Decode{}, fmt.Errorf("whisper: feed: %w: %w", stt.ErrEngineFatal, stt.ErrClosed)
	}
	if len(pcm)%2 != 0 {
		return stt.Decode{}, fmt.Errorf("whisper: odd PCM length %d: %w", len(pcm), stt.ErrTransientDecode)
	}

	ev, err := e.vad.ProcessFrame(pcm)
	if err != nil {
		return stt.Decode{}, fmt.Errorf("whisper: vad: %v: %w", err, stt.ErrTransientDecode)
	}

	var d stt.Decode
	switch ev.Type {
	case vad.VADSpeechStart:
		e.inSpeech = true
		e.buffer = append(e.buffer[:0], e.preRoll...)
		e.buffer = append(e.buffer, pcm...)
		e.preRoll = e.preRoll[:0]
		d.SpeechStart = true
	case vad.VADSpeechContinue:
		if e.inSpeech {
			e.buffer = append(e.buffer, pcm...)
		}
	case vad.VADSpeechEnd:
		if e.inSpeech {
			e.buffer = append(e.buffer, pcm...)
			d.Endpoint = true
		}
		e.inSpeech = false
	default:
		e.pushPreRoll(pcm)
	}

	// Force an endpoint during continuous speech.
	if e.inSpeech && e.maxBufferBytes > 0 && len(e.buffer) >= e.maxBufferBytes {
		e.inSpeech = false
		e.vad.Reset()
		d.Endpoint = true
	}
	return d, nil
}

func (e *batchEngine) pushPreRoll(pcm []byte) {
	if e.preRollBytes <= 0 {
		return
	}
	e.preRoll = append(e.preRoll, pcm...)
	if over := len(e.preRoll) - e.preRollBytes; over > 0 {
		over += over % 2
		e.preRoll = append(e.preRoll[:0], e.preRoll[over:]...)
	}
}

// Finalize transcribes the buffered utterance.
func (e *batchEngine) Finalize(ctx context.Context) (stt.Hypothesis, error) {
	if e.isClosed() {
		return stt.Hypothesis{}, fmt.Errorf("whisper: finalize: %w: %w", stt.ErrEngineFatal, stt.ErrClosed)
	}
	pcm := e.buffer
	e.buffer = nil
	e.inSpeech = false
	if len(pcm) == 0 {
		return stt.Hypothesis{}, nil
	}

	text, err := e.tr.transcribe(ctx, pcm)
	if err != nil {
		if errors.Is(err, stt.ErrEngineFatal) {
			return stt.Hypothesis{}, err
		}
		return stt.Hypothesis{}, fmt.Errorf("%w: %w", stt.ErrTransientDecode, err)
	}
	slog.Debug("whisper: utterance transcribed",
		"engine", e.name,
		"audio_ms", len(pcm)*1000/(e.sampleRate*bitsPerSample/8),
		"chars", len(text),
	)
	return stt.Hypothesis{Text: text, Confidence: 1.0}, nil
}

// Reset drops the buffered utterance and endpointer state.
func (e *batchEngine) Reset() error {
	e.buffer = nil
	e.preRoll = e.preRoll[:0]
	e.inSpeech = false
	e.vad.Reset()
	return nil
}

// OnFatalError stores fn. Batch engines only fail inside Finalize, so the
// callback is kept for interface completeness and never invoked.
func (e *batchEngine) OnFatalError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fatal = fn
}

// Close releases the endpointer and the shared model reference.
func (e *batchEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	release := e.release
	e.mu.Unlock()

	err := e.vad.Close()
	if release != nil {
		release()
	}
	return err
}

func (e *batchEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
