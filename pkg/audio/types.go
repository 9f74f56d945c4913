package audio

import "time"

// AudioFrame is a single fixed-length chunk of captured PCM audio. Frames are
// the unit handed from the capture callback to the recognition worker through
// a [FrameQueue].
//
// A frame is immutable once enqueued: the queue copies Data into its own slot
// on push and hands the consumer a private copy on pop.
type AudioFrame struct {
	// Seq is the monotonic sequence number assigned at capture time. Sequence
	// numbers strictly increase within a recognition session; gaps are allowed
	// (they appear when the queue drops frames on overflow).
	Seq uint64

	// Data holds signed 16-bit little-endian PCM samples, interleaved when
	// Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for a typical microphone, 16000 for most
	// recognizers).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the sample rate and channel layout of f.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame's PCM payload. Returns 0
// when the format is unknown.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}
