// Package observe provides application-wide observability primitives for
// Streamlate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Streamlate metrics.
const meterName = "github.com/streamlate/streamlate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// LLMDuration tracks per-stage LLM latency. Use with attribute:
	//   attribute.String("stage", "correction"|"translation"|"keywords")
	LLMDuration metric.Float64Histogram

	// --- Counters ---

	// STTMessages counts upstream transcription messages by type. Use with:
	//   attribute.String("type", ...)
	STTMessages metric.Int64Counter

	// SegmentsCommitted counts committed transcript segments per session.
	SegmentsCommitted metric.Int64Counter

	// SegmentsPartial counts partial transcript segments per session.
	SegmentsPartial metric.Int64Counter

	// PartialCancellations counts partial translations superseded before
	// completion.
	PartialCancellations metric.Int64Counter

	// RoomPublishes counts events fanned out to session rooms. Use with:
	//   attribute.String("event", ...)
	RoomPublishes metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts upstream provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions with a live pipeline.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of connected WebSocket clients.
	ActiveConnections metric.Int64UpDownCounter

	// CommitQueueDepth tracks the number of committed segments waiting for
	// translation across all sessions.
	CommitQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("streamlate.llm.duration",
		metric.WithDescription("Latency of LLM pipeline stages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.STTMessages, err = m.Int64Counter("streamlate.stt.messages",
		metric.WithDescription("Total upstream transcription messages by type."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsCommitted, err = m.Int64Counter("streamlate.segments.committed",
		metric.WithDescription("Total committed transcript segments."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsPartial, err = m.Int64Counter("streamlate.segments.partial",
		metric.WithDescription("Total partial transcript segments."),
	); err != nil {
		return nil, err
	}
	if met.PartialCancellations, err = m.Int64Counter("streamlate.partials.cancelled",
		metric.WithDescription("Total partial translations cancelled by a newer transcript."),
	); err != nil {
		return nil, err
	}
	if met.RoomPublishes, err = m.Int64Counter("streamlate.room.publishes",
		metric.WithDescription("Total events published to session rooms by event name."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("streamlate.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("streamlate.active_sessions",
		metric.WithDescription("Number of sessions with a live transcription pipeline."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("streamlate.active_connections",
		metric.WithDescription("Number of connected WebSocket clients."),
	); err != nil {
		return nil, err
	}
	if met.CommitQueueDepth, err = m.Int64UpDownCounter("streamlate.commit_queue.depth",
		metric.WithDescription("Committed segments waiting for translation."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("streamlate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSTTMessage records an upstream transcription message by type.
func (m *Metrics) RecordSTTMessage(ctx context.Context, msgType string) {
	m.STTMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordLLMStage records the latency of a single LLM pipeline stage.
func (m *Metrics) RecordLLMStage(ctx context.Context, stage string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordRoomPublish records a single room fan-out by event name.
func (m *Metrics) RecordRoomPublish(ctx context.Context, event string) {
	m.RoomPublishes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
