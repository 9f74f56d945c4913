// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxtrigger/pkg/audio"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// nativeModels shares loaded whisper models between providers, so a restarted
// session or a fallback chain naming the same file does not load it twice.
var nativeModels = stt.NewSharedModels(whisperlib.New, func(m whisperlib.Model) {
	if err := m.Close(); err != nil {
		slog.Warn("whisper: close model", "err", err)
	}
})

// NativeProvider creates engines that run whisper.cpp in-process. The model
// is loaded once per path and shared across all engines.
type NativeProvider struct {
	modelPath string
	opts      options

	mu      sync.Mutex
	model   whisperlib.Model
	release func()
}

// NewNative loads (or reuses) the whisper.cpp model at modelPath. The caller
// must call Close when the provider is no longer needed; the model itself is
// freed once every engine created from it has been closed too.
func NewNative(modelPath string, opts ...Option) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, release, err := nativeModels.Acquire(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	return &NativeProvider{
		modelPath: modelPath,
		opts:      buildOptions(opts),
		model:     model,
		release:   release,
	}, nil
}

// Close drops the provider's model reference.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.release != nil {
		p.release()
		p.release = nil
	}
	return nil
}

// NewEngine creates an engine for one mono stream. Each engine holds its own
// model reference and creates a fresh whisper context per utterance, so
// engines can run concurrently.
func (p *NativeProvider) NewEngine(ctx context.Context, cfg stt.StreamConfig) (stt.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("whisper: engine requires mono audio, got %d channels", cfg.Channels)
	}
	p.mu.Lock()
	closed := p.release == nil
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("whisper: provider closed: %w", stt.ErrEngineFatal)
	}

	model, release, err := nativeModels.Acquire(p.modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: %w", stt.ErrEngineFatal, err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.opts.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.opts.sampleRate
	}
	eng, err := newBatchEngine("whisper-native", &nativeTranscriber{model: model, language: lang}, p.opts.settings, sr, release)
	if err != nil {
		release()
		return nil, err
	}
	return eng, nil
}

// nativeTranscriber runs inference on a shared model.
type nativeTranscriber struct {
	model    whisperlib.Model
	language string
}

// transcribe converts the buffered PCM audio to float32, runs whisper.cpp
// inference using a fresh context, and returns the concatenated text.
func (t *nativeTranscriber) transcribe(ctx context.Context, pcm []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	samples := audio.PCM16ToFloat32(pcm)

	// Contexts are not thread-safe; the model is.
	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w: %w", stt.ErrEngineFatal, err)
	}
	if err := wctx.SetLanguage(t.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", t.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
