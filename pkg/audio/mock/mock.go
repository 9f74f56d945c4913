// Package mock provides an in-memory [audio.Source] for unit tests.
//
// The mock never touches a device: tests drive capture by calling
// [Source.Emit], which invokes the registered callback synchronously on the
// calling goroutine.
//
// Typical usage:
//
//	src := &mock.Source{SourceFormat: audio.Format{SampleRate: 16000, Channels: 1}}
//	_ = src.Start(ctx, pipeline.OnAudio)
//	src.Emit(pcm)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxtrigger/pkg/audio"
)

// Source is a mock implementation of [audio.Source] and [audio.Finite].
type Source struct {
	mu sync.Mutex

	// SourceFormat is returned by Format.
	SourceFormat audio.Format

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// StartCallCount records how many times Start was called.
	StartCallCount int

	// CloseCallCount records how many times Close was called.
	CloseCallCount int

	cb     audio.Callback
	closed bool
	done   chan struct{}
}

// Start records the call and stores cb for [Source.Emit].
func (s *Source) Start(_ context.Context, cb audio.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCallCount++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.cb = cb
	return nil
}

// Format returns SourceFormat.
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SourceFormat
}

// Emit delivers pcm to the registered callback. It returns an error if Start
// has not been called or the source is closed.
func (s *Source) Emit(pcm []byte) error {
	s.mu.Lock()
	cb, closed, format := s.cb, s.closed, s.SourceFormat
	s.mu.Unlock()
	if closed {
		return errors.New("mock: source closed")
	}
	if cb == nil {
		return errors.New("mock: source not started")
	}
	cb(pcm, format)
	return nil
}

// Finish closes the channel returned by Done, simulating the end of a
// finite recording.
func (s *Source) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDone()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Done implements [audio.Finite].
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureDone()
	return s.done
}

func (s *Source) ensureDone() {
	if s.done == nil {
		s.done = make(chan struct{})
	}
}

// Close records the call and returns CloseErr.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closed = true
	return s.CloseErr
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Finite = (*Source)(nil)
)
