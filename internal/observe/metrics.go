// Package observe carries voxtrigger's telemetry: OpenTelemetry instruments
// for the recognition pipeline, utterance and HTTP spans, trace-aware
// logging and the control API middleware.
//
// [InitProvider] installs the global providers and bridges metrics to
// Prometheus for /metrics. Components take a [*Metrics]; production code
// passes [DefaultMetrics], tests build their own with [NewMetrics] over a
// manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voxtrigger"

// Metrics groups the instruments recorded by the pipeline. Instruments are
// safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// FinalizeDuration is the time the engine needs to produce the final
	// hypothesis once an utterance closes.
	FinalizeDuration metric.Float64Histogram
	MatchDuration    metric.Float64Histogram

	Frames metric.Int64Counter
	// Utterances is split by attribute forced=true|false.
	Utterances metric.Int64Counter
	// Matches is split by result=match|none.
	Matches metric.Int64Counter
	// Triggers and Suppressions are split by phrase_id.
	Triggers     metric.Int64Counter
	Suppressions metric.Int64Counter
	Restarts     metric.Int64Counter

	// DecodeErrors is split by kind=transient|fatal.
	DecodeErrors    metric.Int64Counter
	SessionFailures metric.Int64Counter

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is split by method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, from single frames up
// to a slow engine finalising a long utterance.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// instruments creates instruments on one meter and remembers the first
// failure of each so NewMetrics can report them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) seconds(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.check(name, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.check(name, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.check(name, err)
	return g
}

func (b *instruments) check(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics creates every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		meter: b.meter,

		FinalizeDuration: b.seconds("voxtrigger.recognition.finalize.duration",
			"Latency of producing the final hypothesis of an utterance."),
		MatchDuration: b.seconds("voxtrigger.match.duration",
			"Latency of phrase matching per transcript."),

		Frames:       b.counter("voxtrigger.frames", "Audio frames fed to the recognizer."),
		Utterances:   b.counter("voxtrigger.utterances", "Closed utterances by forced flag."),
		Matches:      b.counter("voxtrigger.matches", "Final transcripts by match result."),
		Triggers:     b.counter("voxtrigger.triggers", "Dispatched commands by phrase ID."),
		Suppressions: b.counter("voxtrigger.suppressions", "Cooldown-suppressed matches by phrase ID."),
		Restarts:     b.counter("voxtrigger.session.restarts", "Recognition session restarts."),

		DecodeErrors:    b.counter("voxtrigger.decode.errors", "Recognizer errors by kind."),
		SessionFailures: b.counter("voxtrigger.session.failures", "Sessions stopped by a fatal engine error."),

		ActiveSessions: b.gauge("voxtrigger.active_sessions", "Listening recognition sessions."),

		HTTPRequestDuration: b.seconds("voxtrigger.http.request.duration",
			"Control API latency by method, route and status."),
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("observe: create instruments: %w", errors.Join(b.errs...))
	}
	return m, nil
}

// ObserveQueueOverflows reports overflows, a monotonic drop count such as
// FrameQueue.Overflows, as voxtrigger.queue.overflows on every collection.
// Unregister the result when the queue is discarded.
func (m *Metrics) ObserveQueueOverflows(overflows func() uint64) (metric.Registration, error) {
	c, err := m.meter.Int64ObservableCounter("voxtrigger.queue.overflows",
		metric.WithDescription("Audio frames dropped by a full frame queue."),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(c, int64(overflows()))
		return nil
	}, c)
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instance built on the global
// meter provider. It panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// RecordDecodeError counts a recognizer error; kind is "transient" or "fatal".
func (m *Metrics) RecordDecodeError(ctx context.Context, kind string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordUtterance(ctx context.Context, forced bool) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

func (m *Metrics) RecordMatch(ctx context.Context, matched bool) {
	result := "none"
	if matched {
		result = "match"
	}
	m.Matches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordTrigger(ctx context.Context, phraseID string) {
	m.Triggers.Add(ctx, 1, metric.WithAttributes(attribute.String("phrase_id", phraseID)))
}

func (m *Metrics) RecordSuppression(ctx context.Context, phraseID string) {
	m.Suppressions.Add(ctx, 1, metric.WithAttributes(attribute.String("phrase_id", phraseID)))
}
