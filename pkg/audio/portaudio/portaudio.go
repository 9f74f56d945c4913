// Package portaudio captures microphone audio through PortAudio and delivers
// it as 16-bit PCM to an [audio.Callback].
//
// The capture loop performs a blocking stream read per buffer and hands a
// fresh copy of the samples to the callback, so the callback may retain the
// slice. The callback runs on the capture goroutine and must not block.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxtrigger/pkg/audio"
)

// Defaults used when the corresponding option is not supplied.
const (
	defaultSampleRate      = 16000
	defaultChannels        = 1
	defaultFramesPerBuffer = 320 // 20 ms at 16 kHz
)

// Option configures a [Source].
type Option func(*Source)

// WithFormat sets the capture sample rate and channel count.
func WithFormat(f audio.Format) Option {
	return func(s *Source) {
		if f.SampleRate > 0 {
			s.format.SampleRate = f.SampleRate
		}
		if f.Channels > 0 {
			s.format.Channels = f.Channels
		}
	}
}

// WithFramesPerBuffer sets how many sample frames are read per callback.
func WithFramesPerBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.framesPerBuffer = n
		}
	}
}

// Source captures from the default input device.
type Source struct {
	format          audio.Format
	framesPerBuffer int

	mu      sync.Mutex
	stream  *pa.Stream
	running bool
	done    chan struct{}

	terminate sync.Once
}

var _ audio.Source = (*Source)(nil)

// New initialises PortAudio and returns an idle source.
func New(opts ...Option) (*Source, error) {
	s := &Source{
		format:          audio.Format{SampleRate: defaultSampleRate, Channels: defaultChannels},
		framesPerBuffer: defaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return s, nil
}

// Format returns the capture format.
func (s *Source) Format() audio.Format { return s.format }

// Start opens the default input stream and begins delivering buffers to cb
// until ctx is cancelled or Close is called.
func (s *Source) Start(ctx context.Context, cb audio.Callback) error {
	if cb == nil {
		return errors.New("portaudio: nil callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("portaudio: source already started")
	}

	buf := make([]int16, s.framesPerBuffer*s.format.Channels)
	stream, err := pa.OpenDefaultStream(s.format.Channels, 0, float64(s.format.SampleRate), s.framesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("portaudio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}

	s.stream = stream
	s.running = true
	s.done = make(chan struct{})
	go s.readLoop(ctx, stream, buf, cb, s.done)

	slog.Info("portaudio: capture started",
		"format", s.format.String(),
		"frames_per_buffer", s.framesPerBuffer,
	)
	return nil
}

func (s *Source) readLoop(ctx context.Context, stream *pa.Stream, buf []int16, cb audio.Callback, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil || !s.isRunning() {
			return
		}
		if err := stream.Read(); err != nil {
			if !s.isRunning() {
				return
			}
			// Input overflow is reported as an error but the buffer is still
			// usable; anything else ends capture.
			if !errors.Is(err, pa.InputOverflowed) {
				slog.Error("portaudio: read failed, stopping capture", "err", err)
				return
			}
			slog.Debug("portaudio: input overflowed")
		}
		cb(audio.Int16ToPCM16(buf), s.format)
	}
}

func (s *Source) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close stops capture, waits for the read loop to exit and releases
// PortAudio. It is safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	stream, done := s.stream, s.done
	s.running = false
	s.stream = nil
	s.mu.Unlock()

	var errs []error
	if stream != nil {
		if err := stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
		}
		if done != nil {
			<-done
		}
		if err := stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
		}
	}
	s.terminate.Do(func() {
		if err := pa.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
		}
	})
	return errors.Join(errs...)
}
