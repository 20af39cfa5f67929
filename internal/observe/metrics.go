// Package observe provides application-wide observability primitives for
// typefree: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all typefree metrics.
const meterName = "github.com/MrWong99/typefree"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture pipeline ---

	// ChunksProcessed counts PCM chunks passed through the engine.
	ChunksProcessed metric.Int64Counter

	// SpeechSegments counts finished speech segments. Use with attribute:
	//   attribute.String("outcome", "dispatched"|"discarded")
	SpeechSegments metric.Int64Counter

	// GateDecisions counts transcription gate verdicts. Use with attribute:
	//   attribute.String("decision", ...)
	GateDecisions metric.Int64Counter

	// Calibrations counts calibration runs. Use with attribute:
	//   attribute.String("status", "ok"|"timeout"|"error")
	Calibrations metric.Int64Counter

	// Thresholds reports the active detection thresholds. Use with attribute:
	//   attribute.String("kind", "noise_floor"|"speech"|"silence")
	Thresholds metric.Float64Gauge

	// --- Transcription ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CircuitTransitions counts circuit breaker state changes. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("to", ...)
	CircuitTransitions metric.Int64Counter

	// --- Gauges ---

	// TranscriptionsInFlight is 1 while a gate dispatch is running.
	TranscriptionsInFlight metric.Int64UpDownCounter

	// ActiveRecordings tracks the number of running capture sessions.
	ActiveRecordings metric.Int64UpDownCounter

	// EventSubscribers tracks connected live-event websocket clients.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batch transcription round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture pipeline.
	if met.ChunksProcessed, err = m.Int64Counter("typefree.capture.chunks",
		metric.WithDescription("Total PCM chunks processed by the capture engine."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSegments, err = m.Int64Counter("typefree.capture.segments",
		metric.WithDescription("Total speech segments by outcome."),
	); err != nil {
		return nil, err
	}
	if met.GateDecisions, err = m.Int64Counter("typefree.gate.decisions",
		metric.WithDescription("Total transcription gate decisions by verdict."),
	); err != nil {
		return nil, err
	}
	if met.Calibrations, err = m.Int64Counter("typefree.calibrations",
		metric.WithDescription("Total calibration runs by status."),
	); err != nil {
		return nil, err
	}
	if met.Thresholds, err = m.Float64Gauge("typefree.vad.threshold",
		metric.WithDescription("Active voice activity thresholds by kind."),
	); err != nil {
		return nil, err
	}

	// Transcription.
	if met.STTDuration, err = m.Float64Histogram("typefree.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("typefree.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("typefree.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("typefree.circuit.transitions",
		metric.WithDescription("Total circuit breaker state changes by provider and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.TranscriptionsInFlight, err = m.Int64UpDownCounter("typefree.gate.in_flight",
		metric.WithDescription("Number of transcription requests currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("typefree.active_recordings",
		metric.WithDescription("Number of running capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("typefree.events.subscribers",
		metric.WithDescription("Number of connected live-event clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("typefree.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordGateDecision counts one transcription gate verdict.
func (m *Metrics) RecordGateDecision(ctx context.Context, decision string) {
	m.GateDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

// RecordSegment counts one finished speech segment.
func (m *Metrics) RecordSegment(ctx context.Context, outcome string) {
	m.SpeechSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCalibration counts one calibration run.
func (m *Metrics) RecordCalibration(ctx context.Context, status string) {
	m.Calibrations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordThresholds publishes the three active detection thresholds.
func (m *Metrics) RecordThresholds(ctx context.Context, noiseFloor, speech, silence float64) {
	m.Thresholds.Record(ctx, noiseFloor, metric.WithAttributes(attribute.String("kind", "noise_floor")))
	m.Thresholds.Record(ctx, speech, metric.WithAttributes(attribute.String("kind", "speech")))
	m.Thresholds.Record(ctx, silence, metric.WithAttributes(attribute.String("kind", "silence")))
}

// RecordCircuitTransition counts a circuit breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}
