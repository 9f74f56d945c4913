// Package vad defines the Engine interface for Voice Activity Detection.
//
// The recognizer engines that cannot endpoint on their own (batch engines such
// as whisper.cpp) run each incoming frame through a VAD session to decide where
// an utterance begins and ends. A session is stateful: it keeps the hysteresis
// counters that turn per-frame energy into stable speech-start and speech-end
// events.
//
// ProcessFrame is synchronous and must not block. A single SessionHandle is
// owned by one goroutine; Engines must be safe for concurrent NewSession calls.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the mono 16-bit PCM frames
	// passed to ProcessFrame.
	SampleRate int

	// SpeechThreshold is the level at or above which a frame counts towards
	// speech. Range: [0.0, 1.0], in the engine's native scale (normalised RMS
	// for the energy engine). Typical: 0.015.
	SpeechThreshold float64

	// SilenceThreshold is the level below which a frame counts towards the end
	// of speech. Must be <= SpeechThreshold. Typical: 0.008.
	SilenceThreshold float64

	// MinSpeechMs is how much consecutive speech is needed before
	// VADSpeechStart is reported.
	MinSpeechMs int

	// MinSilenceMs is how much consecutive silence ends an active segment.
	MinSilenceMs int
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %v outside [0, 1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %v must lie in [0, speech threshold]", c.SilenceThreshold))
	}
	if c.MinSpeechMs < 0 || c.MinSilenceMs < 0 {
		errs = append(errs, errors.New("vad: minimum durations must not be negative"))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one frame of mono 16-bit little-endian PCM and
	// returns the detection result. Frames may have any length.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears the hysteresis state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a session ready to accept frames. Returns an error
	// if cfg is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
