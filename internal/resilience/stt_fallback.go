package resilience

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

// EngineFallback implements [stt.Provider] over an ordered list of recognizer
// providers. NewEngine asks each in turn until one produces an engine; a
// provider that keeps failing to load has its breaker opened and is skipped
// until the reset timeout passes.
type EngineFallback struct {
	group *FallbackGroup[stt.Provider]

	mu     sync.Mutex
	active string
}

var _ stt.Provider = (*EngineFallback)(nil)

// NewEngineFallback creates an [EngineFallback] with primary as the preferred
// recognizer.
func NewEngineFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *EngineFallback {
	return &EngineFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognizer.
func (f *EngineFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// NewEngine creates an engine from the first healthy provider.
func (f *EngineFallback) NewEngine(ctx context.Context, cfg stt.StreamConfig) (stt.Engine, error) {
	return First(f.group, func(name string, p stt.Provider) (stt.Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		eng, err := p.NewEngine(ctx, cfg)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		prev := f.active
		f.active = name
		f.mu.Unlock()
		if prev != "" && prev != name {
			slog.Warn("resilience: recognizer switched", "from", prev, "to", name)
		}
		return eng, nil
	})
}

// Active returns the name of the provider that created the most recent
// engine, or "" if none has yet.
func (f *EngineFallback) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Providers returns the provider names in the order they are tried.
func (f *EngineFallback) Providers() []string { return f.group.Names() }
