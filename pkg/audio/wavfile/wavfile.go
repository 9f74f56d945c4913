// Package wavfile replays a WAV recording as if it were a live capture
// device. It is used for offline evaluation of phrase sets and for
// reproducible end-to-end tests of the recognition pipeline.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voxtrigger/pkg/audio"
)

// ErrInvalidFile is returned by [Open] for files that are not PCM WAV.
var ErrInvalidFile = errors.New("wavfile: not a valid PCM WAV file")

// Option configures a [Source].
type Option func(*Source)

// WithFrameDuration sets the duration of audio handed to the callback per
// invocation. Default: 20 ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// WithRealtime paces delivery at the recording's own rate. Without it frames
// are delivered as fast as the callback returns.
func WithRealtime(realtime bool) Option {
	return func(s *Source) { s.realtime = realtime }
}

// Source replays one WAV file. It implements [audio.Source] and
// [audio.Finite]; Done is closed after the last frame was delivered.
type Source struct {
	f        *os.File
	dec      *wav.Decoder
	format   audio.Format
	bitDepth int
	frameDur time.Duration
	realtime bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Finite = (*Source)(nil)
)

// Open opens path and validates its header.
func Open(path string, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	s, err := newSource(f, opts...)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: %q: %w", path, err)
	}
	s.f = f
	return s, nil
}

func newSource(r io.ReadSeeker, opts ...Option) (*Source, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidFile
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: audio format %d", ErrInvalidFile, dec.WavAudioFormat)
	}
	switch dec.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidFile, dec.BitDepth)
	}
	s := &Source{
		dec:      dec,
		format:   audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)},
		bitDepth: int(dec.BitDepth),
		frameDur: 20 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Format returns the recording's sample rate and channel count.
func (s *Source) Format() audio.Format { return s.format }

// Done is closed once playback has finished or was stopped.
func (s *Source) Done() <-chan struct{} { return s.done }

// Start begins playback on a new goroutine. Each callback receives one
// frame of 16-bit PCM regardless of the file's bit depth.
func (s *Source) Start(ctx context.Context, cb audio.Callback) error {
	if cb == nil {
		return errors.New("wavfile: nil callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("wavfile: source closed")
	}
	if s.started {
		return errors.New("wavfile: source already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.play(ctx, cb)
	return nil
}

func (s *Source) play(ctx context.Context, cb audio.Callback) {
	defer close(s.done)

	samplesPerFrame := s.format.FrameBytes(s.frameDur) / 2
	if samplesPerFrame <= 0 {
		samplesPerFrame = s.format.Channels
	}
	buf := &goaudio.IntBuffer{
		Format:         s.dec.Format(),
		Data:           make([]int, samplesPerFrame),
		SourceBitDepth: s.bitDepth,
	}

	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.frameDur)
		defer ticker.Stop()
	}

	frames := 0
	for {
		n, err := s.dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			slog.Error("wavfile: decode failed, stopping playback", "err", err)
			return
		}
		// Drop a trailing partial sample frame.
		n -= n % s.format.Channels
		if n == 0 {
			slog.Debug("wavfile: playback finished", "frames", frames)
			return
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		} else if ctx.Err() != nil {
			return
		}

		cb(toPCM16(buf.Data[:n], s.bitDepth), s.format)
		frames++
	}
}

// toPCM16 scales integer samples of the given bit depth to 16-bit PCM.
func toPCM16(samples []int, bitDepth int) []byte {
	out := make([]int16, len(samples))
	for i, v := range samples {
		switch bitDepth {
		case 8:
			// 8-bit WAV is unsigned.
			out[i] = int16((v - 128) << 8)
		case 16:
			out[i] = int16(v)
		default:
			out[i] = int16(v >> (bitDepth - 16))
		}
	}
	return audio.Int16ToPCM16(out)
}

// Close stops playback and closes the underlying file.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, started := s.cancel, s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-s.done
	} else {
		close(s.done)
	}
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			return fmt.Errorf("wavfile: close: %w", err)
		}
	}
	return nil
}
