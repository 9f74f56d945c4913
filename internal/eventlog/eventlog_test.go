package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxtrigger/internal/dispatch"
)

type memStore struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (m *memStore) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	r.ID = int64(len(m.records) + 1)
	m.records = append(m.records, r)
	return nil
}

func (m *memStore) Recent(context.Context, int) ([]Record, error) { return nil, nil }
func (m *memStore) Close() error                                 { return nil }

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestFromEvent_DropsTranscript(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	r := FromEvent(dispatch.Event{
		Kind:        dispatch.EventTriggered,
		PhraseID:    "lights_on",
		Phrase:      "turn on the lights",
		Score:       0.91,
		UtteranceID: "s/1",
		Transcript:  "turn on lights please",
		At:          at,
	})
	if r.Kind != "triggered" || r.PhraseID != "lights_on" || r.Score != 0.91 || r.UtteranceID != "s/1" {
		t.Errorf("FromEvent = %+v", r)
	}
	if r.At.Location() != time.UTC || !r.At.Equal(at) {
		t.Errorf("At = %v, want %v in UTC", r.At, at)
	}
}

func TestRecorder_WritesInBackground(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	rec := NewRecorder(store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	rec.HandleEvent(ctx, dispatch.Event{Kind: dispatch.EventTriggered, PhraseID: "a"})
	rec.HandleEvent(ctx, dispatch.Event{Kind: dispatch.EventCandidate, PhraseID: "a"})
	rec.HandleEvent(ctx, dispatch.Event{Kind: dispatch.EventSuppressed, PhraseID: "a"})

	deadline := time.Now().Add(2 * time.Second)
	for store.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if got := store.len(); got != 2 {
		t.Errorf("stored %d records, want 2 (candidates skipped)", got)
	}
}

func TestRecorder_FlushesOnShutdown(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	rec := NewRecorder(store)
	for range 5 {
		rec.HandleEvent(context.Background(), dispatch.Event{Kind: dispatch.EventTriggered})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if got := store.len(); got != 5 {
		t.Errorf("stored %d records, want 5", got)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()

	rec := NewRecorder(&memStore{}, WithBuffer(2))
	for range 5 {
		rec.HandleEvent(context.Background(), dispatch.Event{Kind: dispatch.EventTriggered})
	}
	if got := rec.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
}

func TestRecorder_StoreErrorsAreAbsorbed(t *testing.T) {
	t.Parallel()

	store := &memStore{err: errors.New("disk full")}
	rec := NewRecorder(store, WithWriteTimeout(10*time.Millisecond))
	rec.HandleEvent(context.Background(), dispatch.Event{Kind: dispatch.EventTriggered})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "data", "events.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := []Record{
		{Kind: "triggered", PhraseID: "lights_on", Score: 0.9, UtteranceID: "s/1", At: base},
		{Kind: "suppressed", PhraseID: "lights_on", Score: 0.88, UtteranceID: "s/2", Forced: true, At: base.Add(time.Second)},
		{Kind: "session_failed", Error: "engine crashed", At: base.Add(2 * time.Second)},
	}
	for _, r := range in {
		if err := s.Append(ctx, r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(got))
	}
	if got[0].Kind != "session_failed" || got[0].Error != "engine crashed" {
		t.Errorf("newest = %+v", got[0])
	}
	second := got[1]
	if second.Kind != "suppressed" || !second.Forced || second.UtteranceID != "s/2" || second.Score != 0.88 {
		t.Errorf("second = %+v", second)
	}
	if !second.At.Equal(base.Add(time.Second)) {
		t.Errorf("At = %v, want %v", second.At, base.Add(time.Second))
	}
	if got[0].ID <= got[1].ID {
		t.Errorf("IDs not descending: %d, %d", got[0].ID, got[1].ID)
	}

	all, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Recent(0) returned %d records, want 3", len(all))
	}
}

func TestSQLiteStore_InMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	if err := s.Append(ctx, Record{Kind: "triggered", PhraseID: "x", At: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := s.Recent(ctx, 10)
	if err != nil || len(got) != 1 {
		t.Errorf("Recent = %v, %v", got, err)
	}
}
