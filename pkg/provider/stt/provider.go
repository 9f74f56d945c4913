// Package stt defines the Engine interface for speech recognizers.
//
// A recognizer engine turns a stream of 16-bit PCM frames into hypotheses.
// Unlike a fire-and-forget streaming API, an Engine is driven synchronously by
// its owner: each Feed call returns what the engine learned from that frame
// (speech onset, an updated partial, an endpoint), and Finalize commits the
// current utterance into a final hypothesis. The recognition session builds
// its utterance state machine on top of these calls.
//
// Engines are not required to be safe for concurrent use. Exactly one
// goroutine (the recognition worker) drives an Engine; Close may be called
// from another goroutine once the worker has returned.
//
// Errors are classified with two sentinels:
//
//   - [ErrTransientDecode]: the frame could not be decoded but the engine is
//     still usable. Callers drop the frame and continue.
//   - [ErrEngineFatal]: the engine is unusable. Callers stop the session.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrTransientDecode marks a recoverable per-frame decode failure.
	ErrTransientDecode = errors.New("stt: transient decode error")

	// ErrEngineFatal marks an unrecoverable engine failure.
	ErrEngineFatal = errors.New("stt: engine fatal error")

	// ErrClosed is returned by engines that are used after Close.
	ErrClosed = errors.New("stt: engine closed")
)

// StreamConfig describes the audio format and recognition hints for a new
// engine instance.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Recognizers almost always
	// want 16000.
	SampleRate int

	// Channels is the number of audio channels. Engines expect 1 (mono); the
	// pipeline downmixes before feeding.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Engines whose models are language specific ignore it.
	Language string

	// MaxAlternatives asks the engine for up to n alternative hypotheses per
	// final. Zero disables alternatives.
	MaxAlternatives int
}

// Decode reports what an engine learned from one fed frame.
type Decode struct {
	// SpeechStart is true when the engine detected speech onset in this frame.
	SpeechStart bool

	// Partial is the engine's current interim hypothesis for the open
	// utterance, or nil if it did not change.
	Partial *Hypothesis

	// Endpoint is true when the engine decided the utterance has ended. The
	// caller is expected to call Finalize next.
	Endpoint bool
}

// Engine is a single recognizer instance bound to one audio stream.
type Engine interface {
	// Feed delivers one frame of PCM in the format agreed in StreamConfig.
	// Errors wrap ErrTransientDecode or ErrEngineFatal.
	Feed(ctx context.Context, pcm []byte) (Decode, error)

	// Finalize commits the current utterance and returns its final
	// hypothesis. The engine is ready for the next utterance afterwards. An
	// empty Text means nothing was recognised.
	Finalize(ctx context.Context) (Hypothesis, error)

	// Reset discards any partially decoded utterance.
	Reset() error

	// OnFatalError registers a callback for fatal failures detected outside
	// of Feed and Finalize (for example a background worker crash). The
	// callback may be invoked from any goroutine.
	OnFatalError(fn func(error))

	// Close releases the engine. Calling Close more than once is safe.
	Close() error
}

// Provider creates engines. It typically owns a loaded model that is shared
// by all engines it creates.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// NewEngine creates an engine for a stream with the given format. The
	// caller owns the engine and must Close it.
	NewEngine(ctx context.Context, cfg StreamConfig) (Engine, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, cfg StreamConfig) (Engine, error)

// NewEngine calls f.
func (f ProviderFunc) NewEngine(ctx context.Context, cfg StreamConfig) (Engine, error) {
	return f(ctx, cfg)
}

// IsFatal reports whether err should stop the session. Errors that wrap
// neither sentinel are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrTransientDecode)
}
