// Package audio defines audio frames, the bounded frame queue that decouples
// capture from recognition, PCM format conversion, and the [Source]
// abstraction implemented by capture backends.
//
// Capture backends live in sub-packages (audio/portaudio for microphones,
// audio/wavfile for replaying recordings). This package lives under pkg/
// because external code is expected to implement [Source].
package audio

import "context"

// Callback receives captured PCM audio. It is invoked on the capture
// goroutine (for hardware sources, the device's real-time thread) and must
// return quickly: no blocking, no matching, no allocation on the hot path.
//
// pcm is only valid for the duration of the call.
type Callback func(pcm []byte, format Format)

// Source is a capture device. Device enumeration, permissions and
// sample-rate negotiation are the implementation's concern; the pipeline
// only registers a [Callback].
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start begins capture and invokes cb for every captured buffer until ctx
	// is cancelled or Close is called. Start returns once capture is running.
	Start(ctx context.Context, cb Callback) error

	// Format reports the format of the PCM delivered to the callback.
	Format() Format

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Finite is implemented by sources that end on their own, such as file
// replays. Done is closed after the last buffer has been delivered.
type Finite interface {
	Done() <-chan struct{}
}
