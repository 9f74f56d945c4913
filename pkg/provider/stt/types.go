package stt

import "time"

// Hypothesis is a recognition result, either interim or final.
type Hypothesis struct {
	// Text is the recognised speech content.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Engines that do
	// not report confidence use 1.0.
	Confidence float64

	// Words contains per-word detail when the engine provides it.
	Words []WordDetail

	// Alternatives holds the n-best list when requested. The first
	// alternative, if any, matches Text.
	Alternatives []Alternative
}

// WordDetail holds per-word metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Alternative is one entry of an n-best list.
type Alternative struct {
	Text       string
	Confidence float64
}
