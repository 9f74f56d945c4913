package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of all voxtrigger spans.
const tracerName = "github.com/MrWong99/voxtrigger"

// Span attribute keys shared by the pipeline and the HTTP middleware.
const (
	AttrSessionID   = attribute.Key("voxtrigger.session_id")
	AttrUtteranceID = attribute.Key("voxtrigger.utterance_id")
	AttrPhraseID    = attribute.Key("voxtrigger.phrase_id")
	AttrScore       = attribute.Key("voxtrigger.score")
	AttrOutcome     = attribute.Key("voxtrigger.outcome")
)

// Tracer returns the voxtrigger tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must call span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartUtteranceSpan starts the span covering the matching and dispatch of
// one final transcript. End it with [EndUtteranceSpan].
func StartUtteranceSpan(ctx context.Context, sessionID, utteranceID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "voxtrigger.utterance",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrSessionID.String(sessionID),
			AttrUtteranceID.String(utteranceID),
		),
	)
}

// EndUtteranceSpan records the match outcome on span and ends it. phraseID
// is empty when nothing matched; outcome is the dispatcher's verdict
// ("triggered", "suppressed") or empty.
func EndUtteranceSpan(span trace.Span, phraseID string, score float64, outcome string) {
	if outcome == "" {
		outcome = "none"
	}
	span.SetAttributes(AttrOutcome.String(outcome))
	if phraseID != "" {
		span.SetAttributes(AttrPhraseID.String(phraseID), AttrScore.Float64(score))
	}
	span.End()
}

// RecordError marks span as failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace ID of the span in ctx, or "" when there
// is none. HTTP responses carry it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
