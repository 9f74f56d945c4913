package energy

import (
	"testing"

	"github.com/MrWong99/voxtrigger/pkg/audio"
	"github.com/MrWong99/voxtrigger/pkg/provider/vad"
)

// tone returns 20 ms of 16 kHz mono PCM at constant amplitude.
func tone(amplitude int16) []byte {
	s := make([]int16, 320)
	for i := range s {
		if i%2 == 0 {
			s[i] = amplitude
		} else {
			s[i] = -amplitude
		}
	}
	return audio.Int16ToPCM16(s)
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS(tone(0)); got != 0 {
		t.Errorf("RMS(silence) = %v, want 0", got)
	}
	if got := RMS(tone(16384)); got != 0.5 {
		t.Errorf("RMS(half scale) = %v, want 0.5", got)
	}
}

func TestSession_Hysteresis(t *testing.T) {
	t.Parallel()

	cfg := vad.Config{
		SampleRate:       16000,
		SpeechThreshold:  0.1,
		SilenceThreshold: 0.05,
		MinSpeechMs:      40,
		MinSilenceMs:     60,
	}
	h, err := Engine{}.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	loud := tone(8000)   // ~0.24
	middle := tone(2500) // ~0.076, between the thresholds
	quiet := tone(100)

	steps := []struct {
		frame []byte
		want  vad.VADEventType
	}{
		{quiet, vad.VADSilence},
		{loud, vad.VADSilence},  // 20 ms of speech, below MinSpeechMs
		{quiet, vad.VADSilence}, // resets the speech counter
		{loud, vad.VADSilence},
		{loud, vad.VADSpeechStart},
		{middle, vad.VADSpeechContinue}, // above the silence threshold
		{quiet, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechContinue},
		{loud, vad.VADSpeechContinue}, // resets the silence counter
		{quiet, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechContinue},
		{quiet, vad.VADSpeechEnd},
		{quiet, vad.VADSilence},
	}
	for i, st := range steps {
		ev, err := h.ProcessFrame(st.frame)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ev.Type != st.want {
			t.Fatalf("step %d: got %s, want %s", i, ev.Type, st.want)
		}
	}
}

func TestSession_ResetAndClose(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinSpeechMs = 0
	h, err := Engine{}.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if ev, _ := h.ProcessFrame(tone(8000)); ev.Type != vad.VADSpeechStart {
		t.Fatalf("got %s, want speech_start", ev.Type)
	}
	h.Reset()
	if ev, _ := h.ProcessFrame(tone(8000)); ev.Type != vad.VADSpeechStart {
		t.Errorf("after Reset got %s, want speech_start", ev.Type)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.ProcessFrame(tone(0)); err == nil {
		t.Error("ProcessFrame after Close returned nil error")
	}
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero sample rate", vad.Config{SpeechThreshold: 0.1}},
		{"silence above speech", vad.Config{SampleRate: 16000, SpeechThreshold: 0.1, SilenceThreshold: 0.2}},
		{"threshold above one", vad.Config{SampleRate: 16000, SpeechThreshold: 1.5}},
		{"negative duration", vad.Config{SampleRate: 16000, SpeechThreshold: 0.1, MinSilenceMs: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := (Engine{}).NewSession(tc.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
