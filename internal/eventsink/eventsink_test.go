package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxtrigger/internal/dispatch"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Clients() == 0 {
		t.Fatal("client never registered")
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) dispatch.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("message type = %v, want text", typ)
	}
	var ev dispatch.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return ev
}

func TestHub_Broadcast(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := dialHub(t, h)
	b := dialHub(t, h)
	if h.Clients() != 2 {
		t.Fatalf("Clients = %d, want 2", h.Clients())
	}

	h.HandleEvent(context.Background(), dispatch.Event{Kind: dispatch.EventCandidate, PhraseID: "skip"})
	h.HandleEvent(context.Background(), dispatch.Event{
		Kind:     dispatch.EventTriggered,
		PhraseID: "lights_on",
		Score:    0.91,
		At:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		ev := readEvent(t, conn)
		if ev.Kind != dispatch.EventTriggered || ev.PhraseID != "lights_on" || ev.Score != 0.91 {
			t.Errorf("client %s got %+v", name, ev)
		}
	}
}

func TestHub_CandidatesOptIn(t *testing.T) {
	t.Parallel()

	h := NewHub(WithCandidates(true))
	conn := dialHub(t, h)
	h.HandleEvent(context.Background(), dispatch.Event{Kind: dispatch.EventCandidate, PhraseID: "lights_on"})
	if ev := readEvent(t, conn); ev.Kind != dispatch.EventCandidate {
		t.Errorf("Kind = %q, want candidate", ev.Kind)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	h := NewHub()
	conn := dialHub(t, h)
	_ = h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want going away", got, err)
	}
	if h.Clients() != 0 {
		t.Errorf("Clients = %d after Close", h.Clients())
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	t.Parallel()

	h := NewHub()
	conn := dialHub(t, h)
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.Clients() != 0 {
		t.Errorf("Clients = %d, want 0 after disconnect", h.Clients())
	}
}

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSPublisher(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		opts        []NATSOption
		kind        dispatch.Kind
		wantSubject string
	}{
		{"default prefix", nil, dispatch.EventTriggered, "voxtrigger.events.triggered"},
		{"custom prefix", []NATSOption{WithSubject("home.voice.")}, dispatch.EventSuppressed, "home.voice.suppressed"},
		{"session failed", nil, dispatch.EventSessionFailed, "voxtrigger.events.session_failed"},
		{"candidate skipped", nil, dispatch.EventCandidate, ""},
		{"candidate opt-in", []NATSOption{WithNATSCandidates(true)}, dispatch.EventCandidate, "voxtrigger.events.candidate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conn := &fakeConn{}
			p := NewNATSPublisher(conn, tc.opts...)
			p.HandleEvent(context.Background(), dispatch.Event{Kind: tc.kind, PhraseID: "lights_on"})

			if tc.wantSubject == "" {
				if len(conn.subjects) != 0 {
					t.Errorf("published to %v, want nothing", conn.subjects)
				}
				return
			}
			if len(conn.subjects) != 1 || conn.subjects[0] != tc.wantSubject {
				t.Fatalf("subjects = %v, want [%s]", conn.subjects, tc.wantSubject)
			}
			var ev dispatch.Event
			if err := json.Unmarshal(conn.payloads[0], &ev); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if ev.Kind != tc.kind || ev.PhraseID != "lights_on" {
				t.Errorf("payload = %+v", ev)
			}
		})
	}
}

func TestNATSPublisher_CountsFailures(t *testing.T) {
	t.Parallel()

	p := NewNATSPublisher(&fakeConn{err: errors.New("nats: connection closed")})
	for range 3 {
		p.HandleEvent(context.Background(), dispatch.Event{Kind: dispatch.EventTriggered})
	}
	if got := p.Failures(); got != 3 {
		t.Errorf("Failures = %d, want 3", got)
	}
}
