// Package energy implements a pure-Go VAD based on RMS energy with
// hysteresis. It needs no model files and is the default endpointer for the
// batch recognizer engines.
package energy

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/MrWong99/voxtrigger/pkg/provider/vad"
)

// DefaultConfig returns thresholds tuned for close-talk microphones at 16 kHz.
func DefaultConfig() vad.Config {
	return vad.Config{
		SampleRate:       16000,
		SpeechThreshold:  0.015,
		SilenceThreshold: 0.008,
		MinSpeechMs:      60,
		MinSilenceMs:     600,
	}
}

// Engine creates energy VAD sessions.
type Engine struct{}

var _ vad.Engine = Engine{}

// NewSession validates cfg and returns a fresh session.
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg}, nil
}

// Session tracks speech state for one stream.
type Session struct {
	cfg vad.Config

	inSpeech  bool
	speechMs  float64
	silenceMs float64
	closed    bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame classifies frame and advances the hysteresis counters.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("energy: session closed")
	}
	level := RMS(frame)
	ms := float64(len(frame)/2) * 1000 / float64(s.cfg.SampleRate)
	ev := vad.VADEvent{Probability: s.probability(level)}

	if s.inSpeech {
		if level < s.cfg.SilenceThreshold {
			s.silenceMs += ms
			if s.silenceMs >= float64(s.cfg.MinSilenceMs) {
				s.inSpeech = false
				s.silenceMs = 0
				ev.Type = vad.VADSpeechEnd
				return ev, nil
			}
		} else {
			s.silenceMs = 0
		}
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}

	if level >= s.cfg.SpeechThreshold {
		s.speechMs += ms
		if s.speechMs >= float64(s.cfg.MinSpeechMs) {
			s.inSpeech = true
			s.speechMs = 0
			ev.Type = vad.VADSpeechStart
			return ev, nil
		}
	} else {
		s.speechMs = 0
	}
	ev.Type = vad.VADSilence
	return ev, nil
}

// probability maps level so that SpeechThreshold lands on 0.5.
func (s *Session) probability(level float64) float64 {
	if s.cfg.SpeechThreshold <= 0 {
		if level > 0 {
			return 1
		}
		return 0
	}
	return min(level/s.cfg.SpeechThreshold*0.5, 1)
}

// Reset clears the hysteresis state.
func (s *Session) Reset() {
	s.inSpeech = false
	s.speechMs = 0
	s.silenceMs = 0
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.closed = true
	return nil
}

// RMS returns the root-mean-square level of 16-bit little-endian PCM,
// normalised to [0, 1]. Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// FrameDuration returns the playback length of a mono 16-bit frame.
func FrameDuration(frame []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(frame)/2) * time.Second / time.Duration(sampleRate)
}
