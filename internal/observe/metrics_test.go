package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// point returns the value of the int64 sum data point of name whose
// attributes include every kv.
func point(t *testing.T, rm metricdata.ResourceMetrics, name string, kv ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want an int64 sum", name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		matches := true
		for _, want := range kv {
			if got, ok := dp.Attributes.Value(want.Key); !ok || got != want.Value {
				matches = false
				break
			}
		}
		if matches {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %v", name, kv)
	return 0
}

// TestMetrics_RecognitionRun records what one listening session with two
// utterances produces and checks every instrument.
func TestMetrics_RecognitionRun(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.Frames.Add(ctx, 120)

	// "turn on the lights": matched and triggered.
	m.RecordUtterance(ctx, false)
	m.FinalizeDuration.Record(ctx, 0.18)
	m.MatchDuration.Record(ctx, 0.0004)
	m.RecordMatch(ctx, true)
	m.RecordTrigger(ctx, "lights_on")

	// Same phrase inside its cooldown, closed by the max utterance length.
	m.RecordUtterance(ctx, true)
	m.FinalizeDuration.Record(ctx, 0.21)
	m.MatchDuration.Record(ctx, 0.0003)
	m.RecordMatch(ctx, true)
	m.RecordSuppression(ctx, "lights_on")

	// Background chatter.
	m.RecordUtterance(ctx, false)
	m.RecordMatch(ctx, false)

	m.RecordDecodeError(ctx, "transient")
	m.RecordDecodeError(ctx, "fatal")
	m.SessionFailures.Add(ctx, 1)
	m.Restarts.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)

	counters := []struct {
		name string
		kv   []attribute.KeyValue
		want int64
	}{
		{"voxtrigger.frames", nil, 120},
		{"voxtrigger.utterances", []attribute.KeyValue{attribute.Bool("forced", false)}, 2},
		{"voxtrigger.utterances", []attribute.KeyValue{attribute.Bool("forced", true)}, 1},
		{"voxtrigger.matches", []attribute.KeyValue{attribute.String("result", "match")}, 2},
		{"voxtrigger.matches", []attribute.KeyValue{attribute.String("result", "none")}, 1},
		{"voxtrigger.triggers", []attribute.KeyValue{attribute.String("phrase_id", "lights_on")}, 1},
		{"voxtrigger.suppressions", []attribute.KeyValue{attribute.String("phrase_id", "lights_on")}, 1},
		{"voxtrigger.decode.errors", []attribute.KeyValue{attribute.String("kind", "transient")}, 1},
		{"voxtrigger.decode.errors", []attribute.KeyValue{attribute.String("kind", "fatal")}, 1},
		{"voxtrigger.session.failures", nil, 1},
		{"voxtrigger.session.restarts", nil, 1},
		{"voxtrigger.active_sessions", nil, 0},
	}
	for _, c := range counters {
		if got := point(t, rm, c.name, c.kv...); got != c.want {
			t.Errorf("%s%v = %d, want %d", c.name, c.kv, got, c.want)
		}
	}

	histograms := map[string]uint64{
		"voxtrigger.recognition.finalize.duration": 2,
		"voxtrigger.match.duration":                2,
	}
	for name, want := range histograms {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("histogram %q not recorded", name)
			continue
		}
		hist := met.Data.(metricdata.Histogram[float64])
		if got := hist.DataPoints[0].Count; got != want {
			t.Errorf("%s count = %d, want %d", name, got, want)
		}
		if met.Unit != "s" {
			t.Errorf("%s unit = %q, want s", name, met.Unit)
		}
	}
}

func TestObserveQueueOverflows(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)

	var drops uint64 = 3
	reg, err := m.ObserveQueueOverflows(func() uint64 { return drops })
	if err != nil {
		t.Fatalf("ObserveQueueOverflows: %v", err)
	}

	if got := point(t, collect(t, reader), "voxtrigger.queue.overflows"); got != 3 {
		t.Errorf("first collection = %d, want 3", got)
	}
	drops = 8
	if got := point(t, collect(t, reader), "voxtrigger.queue.overflows"); got != 8 {
		t.Errorf("second collection = %d, want 8", got)
	}

	if err := reg.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
}

func TestNewMetrics_NoopProvider(t *testing.T) {
	t.Parallel()
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	// Recording on no-op instruments must not panic.
	m.RecordTrigger(context.Background(), "x")
	m.HTTPRequestDuration.Record(context.Background(), 0.01, metric.WithAttributes(attribute.String("route", "GET /status")))
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
