// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that engines are created with the expected
// StreamConfig. Use Engine to script what each Feed and Finalize call returns
// and to inspect which frames were delivered.
//
// Example:
//
//	eng := &mock.Engine{
//	    FeedScript: []mock.FeedResult{
//	        {Decode: stt.Decode{SpeechStart: true}},
//	        {Decode: stt.Decode{Endpoint: true}},
//	    },
//	    FinalizeScript: []mock.FinalizeResult{{Hypothesis: stt.Hypothesis{Text: "lights on"}}},
//	}
//	p := &mock.Provider{Engine: eng}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

// NewEngineCall records a single invocation of Provider.NewEngine.
type NewEngineCall struct {
	// Cfg is the StreamConfig passed to NewEngine.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Engine is returned by NewEngine. If nil, NewEngine returns a new
	// default Engine.
	Engine stt.Engine

	// NewEngineErr, if non-nil, is returned as the error from NewEngine.
	NewEngineErr error

	// NewEngineCalls records every call to NewEngine.
	NewEngineCalls []NewEngineCall
}

// NewEngine records the call and returns Engine, NewEngineErr.
func (p *Provider) NewEngine(_ context.Context, cfg stt.StreamConfig) (stt.Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NewEngineCalls = append(p.NewEngineCalls, NewEngineCall{Cfg: cfg})
	if p.NewEngineErr != nil {
		return nil, p.NewEngineErr
	}
	if p.Engine != nil {
		return p.Engine, nil
	}
	return &Engine{}, nil
}

// CallCount returns the number of NewEngine calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.NewEngineCalls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// FeedResult is one scripted Feed outcome.
type FeedResult struct {
	Decode stt.Decode
	Err    error
}

// FinalizeResult is one scripted Finalize outcome.
type FinalizeResult struct {
	Hypothesis stt.Hypothesis
	Err        error
}

// Engine is a mock implementation of stt.Engine.
type Engine struct {
	mu sync.Mutex

	// FeedFunc, if set, computes every Feed result and takes precedence over
	// FeedScript. It is called without the mock's lock held.
	FeedFunc func(ctx context.Context, pcm []byte) (stt.Decode, error)

	// FeedScript holds the results of successive Feed calls. Once exhausted,
	// Feed returns an empty Decode.
	FeedScript []FeedResult

	// FinalizeScript holds the results of successive Finalize calls. Once
	// exhausted, Finalize returns an empty Hypothesis.
	FinalizeScript []FinalizeResult

	// ResetErr, if non-nil, is returned by Reset.
	ResetErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames records a copy of every frame passed to Feed.
	Frames [][]byte

	// FinalizeCallCount is the number of times Finalize was called.
	FinalizeCallCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	feedNext     int
	finalizeNext int
	fatal        func(error)
}

// Feed records the frame and returns the next scripted result.
func (e *Engine) Feed(ctx context.Context, pcm []byte) (stt.Decode, error) {
	e.mu.Lock()
	e.Frames = append(e.Frames, append([]byte(nil), pcm...))
	fn := e.FeedFunc
	var res FeedResult
	if fn == nil && e.feedNext < len(e.FeedScript) {
		res = e.FeedScript[e.feedNext]
		e.feedNext++
	}
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm)
	}
	return res.Decode, res.Err
}

// Finalize returns the next scripted result.
func (e *Engine) Finalize(context.Context) (stt.Hypothesis, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FinalizeCallCount++
	if e.finalizeNext < len(e.FinalizeScript) {
		res := e.FinalizeScript[e.finalizeNext]
		e.finalizeNext++
		return res.Hypothesis, res.Err
	}
	return stt.Hypothesis{}, nil
}

// Reset records the call and returns ResetErr.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ResetCallCount++
	return e.ResetErr
}

// OnFatalError stores fn for [Engine.TriggerFatal].
func (e *Engine) OnFatalError(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fatal = fn
}

// TriggerFatal invokes the registered fatal callback with err, simulating a
// background engine crash. It is a no-op if no callback is registered.
func (e *Engine) TriggerFatal(err error) {
	e.mu.Lock()
	fn := e.fatal
	e.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// FeedCallCount returns the number of Feed calls. Thread-safe.
func (e *Engine) FeedCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Frames)
}

// Closed reports whether Close has been called. Thread-safe.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CloseCallCount > 0
}

// Ensure Engine implements stt.Engine at compile time.
var _ stt.Engine = (*Engine)(nil)
