// Package mock provides a scripted [vad.Engine] for recognizer tests.
//
//	eng := &mock.Engine{
//		Script: []vad.VADEventType{vad.VADSpeechStart, vad.VADSpeechEnd},
//		After:  vad.VADSilence,
//	}
package mock

import (
	"sync"

	"github.com/MrWong99/voxtrigger/pkg/provider/vad"
)

// Engine creates sessions that each replay Script from the start, one event
// per frame, and report After once the script is used up.
type Engine struct {
	Script []vad.VADEventType
	After  vad.VADEventType

	// Err fails NewSession. FrameErr fails every ProcessFrame.
	Err      error
	FrameErr error

	mu       sync.Mutex
	configs  []vad.Config
	sessions []*Session
}

var _ vad.Engine = (*Engine)(nil)

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	s := &Session{script: e.Script, after: e.After, frameErr: e.FrameErr}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Configs returns the configs passed to NewSession, in call order.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Sessions returns every session created so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Session replays its engine's script. Reset does not rewind it.
type Session struct {
	script   []vad.VADEventType
	after    vad.VADEventType
	frameErr error

	mu     sync.Mutex
	pos    int
	frames int
	resets int
	closed bool
}

var _ vad.SessionHandle = (*Session)(nil)

func (s *Session) ProcessFrame([]byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	if s.frameErr != nil {
		return vad.VADEvent{}, s.frameErr
	}
	t := s.after
	if s.pos < len(s.script) {
		t = s.script[s.pos]
		s.pos++
	}
	ev := vad.VADEvent{Type: t}
	if t == vad.VADSpeechStart || t == vad.VADSpeechContinue {
		ev.Probability = 1
	}
	return ev, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Stats reports how many frames and resets the session saw and whether it
// was closed.
func (s *Session) Stats() (frames, resets int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.resets, s.closed
}
