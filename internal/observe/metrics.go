// Package observe provides application-wide observability primitives for
// livepersona: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all livepersona metrics.
const meterName = "github.com/MrWong99/livepersona"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per collaborator ---

	// ReasoningDuration tracks persona reply latency.
	ReasoningDuration metric.Float64Histogram

	// TTSDuration tracks single-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// AudienceDuration tracks simulated-audience generation latency.
	AudienceDuration metric.Float64Histogram

	// UtteranceLength tracks the spoken length of each played utterance.
	UtteranceLength metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Utterances counts utterances whose end marker was broadcast.
	Utterances metric.Int64Counter

	// SpeechSegments counts segments. Use with attribute:
	//   attribute.String("status", "sent"|"dropped")
	SpeechSegments metric.Int64Counter

	// ErrorSignals counts error_signal broadcasts. Use with attribute:
	//   attribute.String("reason", ...)
	ErrorSignals metric.Int64Counter

	// ChatLines counts chat lines entering the queues. Use with attribute:
	//   attribute.String("source", "audience"|"viewer")
	ChatLines metric.Int64Counter

	// ChatUnparsed counts audience output lines that could not be parsed.
	ChatUnparsed metric.Int64Counter

	// ViewersPruned counts connections removed after a failed send.
	ViewersPruned metric.Int64Counter

	// --- Gauges ---

	// ActiveViewers tracks the number of registered viewer connections.
	ActiveViewers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// collaborator round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// utteranceBuckets covers spoken lengths from a single word to a monologue.
var utteranceBuckets = []float64{
	1, 2, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ReasoningDuration, err = m.Float64Histogram("livepersona.reasoning.duration",
		metric.WithDescription("Latency of persona reasoning calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("livepersona.tts.duration",
		metric.WithDescription("Latency of single-sentence speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudienceDuration, err = m.Float64Histogram("livepersona.audience.duration",
		metric.WithDescription("Latency of simulated audience generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceLength, err = m.Float64Histogram("livepersona.utterance.length",
		metric.WithDescription("Spoken length of played utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("livepersona.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("livepersona.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("livepersona.utterances",
		metric.WithDescription("Total utterances played to completion."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSegments, err = m.Int64Counter("livepersona.speech.segments",
		metric.WithDescription("Speech segments by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.ErrorSignals, err = m.Int64Counter("livepersona.error_signals",
		metric.WithDescription("Error signals broadcast to viewers by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChatLines, err = m.Int64Counter("livepersona.chat.lines",
		metric.WithDescription("Chat lines ingested by source."),
	); err != nil {
		return nil, err
	}
	if met.ChatUnparsed, err = m.Int64Counter("livepersona.chat.unparsed",
		metric.WithDescription("Audience output lines that could not be parsed."),
	); err != nil {
		return nil, err
	}
	if met.ViewersPruned, err = m.Int64Counter("livepersona.viewers.pruned",
		metric.WithDescription("Viewer connections dropped after a failed send."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveViewers, err = m.Int64UpDownCounter("livepersona.active_viewers",
		metric.WithDescription("Number of connected viewers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livepersona.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
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

// RecordChatLine counts one ingested chat line from source.
func (m *Metrics) RecordChatLine(ctx context.Context, source string) {
	m.ChatLines.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordSegment counts one speech segment with the given delivery status.
func (m *Metrics) RecordSegment(ctx context.Context, status string) {
	m.SpeechSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordErrorSignal counts one error_signal broadcast.
func (m *Metrics) RecordErrorSignal(ctx context.Context, reason string) {
	m.ErrorSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
