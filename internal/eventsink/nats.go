package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/voxtrigger/internal/dispatch"
)

// DefaultSubject is the subject prefix used when none is configured. Events
// are published to "<prefix>.<kind>", e.g. "voxtrigger.events.triggered".
const DefaultSubject = "voxtrigger.events"

// Conn is the part of a NATS connection the publisher needs. *nats.Conn
// satisfies it.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// NATSOption configures a [NATSPublisher].
type NATSOption func(*NATSPublisher)

// WithSubject sets the subject prefix. Default: [DefaultSubject].
func WithSubject(prefix string) NATSOption {
	return func(p *NATSPublisher) {
		if prefix = strings.TrimSuffix(prefix, "."); prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithNATSCandidates also publishes candidate events.
func WithNATSCandidates(on bool) NATSOption {
	return func(p *NATSPublisher) { p.candidates = on }
}

// NATSPublisher publishes dispatcher events as JSON messages. Publishing is
// buffered by the NATS client, so HandleEvent does not wait on the network.
type NATSPublisher struct {
	conn       Conn
	prefix     string
	candidates bool
	failures   atomic.Uint64
}

var _ dispatch.Handler = (*NATSPublisher)(nil)

// NewNATSPublisher publishes through conn.
func NewNATSPublisher(conn Conn, opts ...NATSOption) *NATSPublisher {
	p := &NATSPublisher{conn: conn, prefix: DefaultSubject}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Subject returns the subject events of kind are published to.
func (p *NATSPublisher) Subject(kind dispatch.Kind) string {
	return p.prefix + "." + string(kind)
}

// HandleEvent publishes ev. Failures are logged and counted.
func (p *NATSPublisher) HandleEvent(_ context.Context, ev dispatch.Event) {
	if ev.Kind == dispatch.EventCandidate && !p.candidates {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("eventsink: marshal event", "kind", ev.Kind, "err", err)
		return
	}
	subject := p.Subject(ev.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		if p.failures.Add(1) == 1 {
			slog.Warn("eventsink: nats publish failed", "subject", subject, "err", err)
		}
	}
}

// Failures returns the number of failed publishes.
func (p *NATSPublisher) Failures() uint64 { return p.failures.Load() }

// ConnectNATS dials url (a comma separated server list is allowed). The
// connection reconnects on its own; callers should Drain it on shutdown.
func ConnectNATS(url string, timeout time.Duration) (*nats.Conn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := nats.Connect(url,
		nats.Name("voxtrigger"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("eventsink: nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("eventsink: nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventsink: connect to nats: %w", err)
	}
	slog.Info("eventsink: connected to NATS", "url", nc.ConnectedUrl())
	return nc, nil
}
