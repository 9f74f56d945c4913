package stt

import (
	"math"
	"testing"
	"time"
)

func TestParseResultJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		in          string
		wantText    string
		wantPartial bool
		wantConf    float64
		wantWords   int
		wantAlts    int
	}{
		{
			name:        "partial",
			in:          `{"partial" : "turn on the"}`,
			wantText:    "turn on the",
			wantPartial: true,
			wantConf:    1.0,
		},
		{
			name:        "empty partial",
			in:          `{"partial" : ""}`,
			wantPartial: true,
			wantConf:    1.0,
		},
		{
			name:     "final without words",
			in:       `{"text" : "turn on the lights"}`,
			wantText: "turn on the lights",
			wantConf: 1.0,
		},
		{
			name: "final with words",
			in: `{"result": [
				{"conf": 1.0, "start": 0.5, "end": 0.8, "word": "turn"},
				{"conf": 0.5, "start": 0.8, "end": 1.0, "word": "on"}
			], "text": "turn on"}`,
			wantText:  "turn on",
			wantConf:  0.75,
			wantWords: 2,
		},
		{
			name: "alternatives in range",
			in: `{"alternatives": [
				{"text": " lights on", "confidence": 0.9},
				{"text": "light son", "confidence": 0.1}
			]}`,
			wantText: "lights on",
			wantConf: 0.9,
			wantAlts: 2,
		},
		{
			name:     "empty final",
			in:       `{"text" : ""}`,
			wantConf: 1.0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h, partial, err := ParseResultJSON([]byte(tc.in))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if partial != tc.wantPartial {
				t.Errorf("partial = %v, want %v", partial, tc.wantPartial)
			}
			if h.Text != tc.wantText {
				t.Errorf("Text = %q, want %q", h.Text, tc.wantText)
			}
			if math.Abs(h.Confidence-tc.wantConf) > 1e-9 {
				t.Errorf("Confidence = %v, want %v", h.Confidence, tc.wantConf)
			}
			if len(h.Words) != tc.wantWords {
				t.Errorf("len(Words) = %d, want %d", len(h.Words), tc.wantWords)
			}
			if len(h.Alternatives) != tc.wantAlts {
				t.Errorf("len(Alternatives) = %d, want %d", len(h.Alternatives), tc.wantAlts)
			}
		})
	}
}

func TestParseResultJSON_WordTimings(t *testing.T) {
	t.Parallel()

	h, _, err := ParseResultJSON([]byte(`{"result":[{"conf":0.8,"start":1.25,"end":1.5,"word":"lights"}],"text":"lights"}`))
	if err != nil {
		t.Fatal(err)
	}
	w := h.Words[0]
	if w.Word != "lights" || w.Start != 1250*time.Millisecond || w.End != 1500*time.Millisecond {
		t.Errorf("word = %+v, want lights [1.25s, 1.5s]", w)
	}
}

func TestParseResultJSON_RawAlternativeScores(t *testing.T) {
	t.Parallel()

	h, _, err := ParseResultJSON([]byte(`{"alternatives":[
		{"text":"open the door","confidence":210.5},
		{"text":"open the drawer","confidence":208.5}
	]}`))
	if err != nil {
		t.Fatal(err)
	}
	if h.Confidence <= 0.5 || h.Confidence > 1 {
		t.Errorf("top confidence = %v, want in (0.5, 1]", h.Confidence)
	}
	sum := h.Alternatives[0].Confidence + h.Alternatives[1].Confidence
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("normalised confidences sum to %v, want 1", sum)
	}
}

func TestParseResultJSON_Invalid(t *testing.T) {
	t.Parallel()

	if _, _, err := ParseResultJSON([]byte(`{"text": `)); err == nil {
		t.Error("expected error for truncated JSON")
	}
}
