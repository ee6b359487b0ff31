package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the relay's spans.
const tracerName = "github.com/streamlate/streamlate"

// Tracer returns the relay's tracer from the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span on the relay tracer. The caller must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan opens a span tagged with the session it serves, so a trace
// view can be filtered down to one live stream.
func StartSessionSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attribute.String("session_id", sessionID)))
}

// CorrelationID returns the active trace id, or "" when no span is recording.
// It doubles as the X-Correlation-ID value surfaced to clients.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
