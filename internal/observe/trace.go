package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the livepersona tracer.
const tracerName = "github.com/MrWong99/livepersona"

// Tracer returns the package-level [trace.Tracer] for livepersona. It uses
// the globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
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

// Call is an in-flight collaborator call started by [Metrics.StartCall].
type Call struct {
	m        *Metrics
	ctx      context.Context
	span     trace.Span
	hist     metric.Float64Histogram
	provider string
	kind     string
	start    time.Time
}

// StartCall opens a span named "<kind>.call" and starts timing a collaborator
// call. hist receives the latency when the call is ended; it may be nil.
// The returned context carries the span and should be passed to the
// collaborator.
func (m *Metrics) StartCall(ctx context.Context, hist metric.Float64Histogram, kind, provider string) (context.Context, *Call) {
	ctx, span := StartSpan(ctx, kind+".call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
	return ctx, &Call{m: m, ctx: ctx, span: span, hist: hist, provider: provider, kind: kind, start: time.Now()}
}

// End records latency and status for the call and ends its span. err is
// the outcome of the call; a nil err counts as success.
func (c *Call) End(err error) time.Duration {
	d := time.Since(c.start)
	if c.hist != nil {
		c.hist.Record(c.ctx, d.Seconds(), metric.WithAttributes(attribute.String("provider", c.provider)))
	}
	status := "ok"
	if err != nil {
		status = "error"
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
		c.m.RecordProviderError(c.ctx, c.provider, c.kind)
	}
	c.m.RecordProviderRequest(c.ctx, c.provider, c.kind, status)
	c.span.End()
	return d
}
