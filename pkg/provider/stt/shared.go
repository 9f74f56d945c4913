package stt

import (
	"fmt"
	"log/slog"
	"sync"
)

// SharedModels is a reference-counted cache of loaded recognizer models keyed
// by path. Loading a model is expensive (hundreds of megabytes for Vosk and
// whisper.cpp), so engines created for restarted sessions or fallback chains
// share one instance. The model is freed when the last reference is released.
type SharedModels[M any] struct {
	load func(path string) (M, error)
	free func(M)

	mu      sync.Mutex
	entries map[string]*modelRef[M]
}

type modelRef[M any] struct {
	model M
	refs  int
}

// NewSharedModels returns a cache that loads models with load and releases
// them with free.
func NewSharedModels[M any](load func(path string) (M, error), free func(M)) *SharedModels[M] {
	return &SharedModels[M]{
		load:    load,
		free:    free,
		entries: make(map[string]*modelRef[M]),
	}
}

// Acquire returns the model at path, loading it on first use. The returned
// release function must be called exactly once per successful Acquire;
// further calls are no-ops.
func (s *SharedModels[M]) Acquire(path string) (M, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.entries[path]
	if !ok {
		m, err := s.load(path)
		if err != nil {
			var zero M
			return zero, nil, fmt.Errorf("stt: load model %q: %w", path, err)
		}
		ref = &modelRef[M]{model: m}
		s.entries[path] = ref
		slog.Info("stt: model loaded", "path", path)
	}
	ref.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { s.release(path) })
	}
	return ref.model, release, nil
}

func (s *SharedModels[M]) release(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.entries[path]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs > 0 {
		return
	}
	delete(s.entries, path)
	if s.free != nil {
		s.free(ref.model)
	}
	slog.Info("stt: model released", "path", path)
}

// Refs returns the number of outstanding references to the model at path.
func (s *SharedModels[M]) Refs(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.entries[path]; ok {
		return ref.refs
	}
	return 0
}
