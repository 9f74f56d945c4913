// Package eventsink forwards dispatcher events to external consumers: browser
// dashboards over WebSocket and other services over NATS.
//
// Both sinks implement [dispatch.Handler] and never block the dispatch
// goroutine: slow consumers lose events instead of delaying commands.
package eventsink

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxtrigger/internal/dispatch"
)

const (
	// DefaultClientBuffer is the number of events queued per WebSocket client.
	DefaultClientBuffer = 32

	defaultWriteTimeout = 5 * time.Second
)

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithClientBuffer sets the per-client queue size. A client whose queue
// fills up is disconnected.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.originPatterns = append(h.originPatterns, patterns...) }
}

// WithCandidates also broadcasts candidate (partial match) events. They are
// skipped by default.
func WithCandidates(on bool) HubOption {
	return func(h *Hub) { h.candidates = on }
}

type wsClient struct {
	send      chan []byte
	closeCode websocket.StatusCode
	reason    string
}

// Hub broadcasts dispatcher events as JSON text messages to every connected
// WebSocket client. Mount it as an [http.Handler].
type Hub struct {
	buffer         int
	originPatterns []string
	candidates     bool

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	sent atomic.Uint64
}

var (
	_ dispatch.Handler = (*Hub)(nil)
	_ http.Handler     = (*Hub)(nil)
)

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer:  DefaultClientBuffer,
		clients: make(map[*wsClient]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleEvent queues ev for every connected client.
func (h *Hub) HandleEvent(_ context.Context, ev dispatch.Event) {
	if ev.Kind == dispatch.EventCandidate && !h.candidates {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("eventsink: marshal event", "kind", ev.Kind, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
			h.sent.Add(1)
		default:
			slog.Warn("eventsink: websocket client too slow, disconnecting")
			h.dropLocked(c, websocket.StatusPolicyViolation, "too slow")
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the hub is closed. Messages from the client are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Debug("eventsink: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &wsClient{send: make(chan []byte, h.buffer)}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)
	slog.Debug("eventsink: websocket client connected", "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				conn.Close(c.closeCode, c.reason)
				return
			}
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				slog.Debug("eventsink: websocket write failed", "remote", r.RemoteAddr, "err", err)
				conn.CloseNow()
				return
			}
		case <-ctx.Done():
			conn.CloseNow()
			return
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Sent returns the number of messages queued to clients so far.
func (h *Hub) Sent() uint64 { return h.sent.Load() }

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c, websocket.StatusGoingAway, "shutting down")
	}
	return nil
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// dropLocked closes c's queue; its ServeHTTP loop then closes the
// connection with code. h.mu must be held.
func (h *Hub) dropLocked(c *wsClient, code websocket.StatusCode, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closeCode = code
	c.reason = reason
	close(c.send)
}
