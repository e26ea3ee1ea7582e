package courier

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/courier"

// remoteMetrics is the duration, count and error triple kept for each kind
// of remote call.
type remoteMetrics struct {
	duration metric.Float64Histogram
	count    metric.Int64Counter
	errors   metric.Int64Counter
}

func newRemoteMetrics(meter metric.Meter, prefix, what string) (remoteMetrics, error) {
	var m remoteMetrics
	var err error
	if m.duration, err = meter.Float64Histogram(prefix+".duration",
		metric.WithDescription("Duration of "+what),
		metric.WithUnit("s"),
	); err != nil {
		return m, err
	}
	if m.count, err = meter.Int64Counter(prefix+".count",
		metric.WithDescription("Number of "+what),
	); err != nil {
		return m, err
	}
	m.errors, err = meter.Int64Counter(prefix+".errors",
		metric.WithDescription("Number of failed "+what),
	)
	return m, err
}

func (m remoteMetrics) record(ctx context.Context, d time.Duration, err error, attrs ...attribute.KeyValue) {
	set := metric.WithAttributes(attrs...)
	m.duration.Record(ctx, d.Seconds(), set)
	m.count.Add(ctx, 1, set)
	if err != nil {
		m.errors.Add(ctx, 1, set)
	}
}

// otelInstrumentation traces and measures the client's remote calls. Both
// halves are off unless enabled through options.
type otelInstrumentation struct {
	tracer trace.Tracer // nil when tracing is off

	metricsEnabled bool
	fetch          remoteMetrics
	mutate         remoteMetrics
	track          remoteMetrics
	pushes         metric.Int64Counter
}

func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if !opts.metricsEnabled {
		return o, nil
	}
	mp := opts.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var err error
	if o.fetch, err = newRemoteMetrics(meter, "courier.inbox.fetch", "inbox page fetches"); err != nil {
		return nil, err
	}
	if o.mutate, err = newRemoteMetrics(meter, "courier.inbox.mutate", "remote message actions"); err != nil {
		return nil, err
	}
	if o.track, err = newRemoteMetrics(meter, "courier.track", "tracking posts"); err != nil {
		return nil, err
	}
	if o.pushes, err = meter.Int64Counter("courier.push.received",
		metric.WithDescription("Number of pushes handed to the client"),
	); err != nil {
		return nil, err
	}
	o.metricsEnabled = true
	return o, nil
}

// startSpan starts a client span when tracing is on. The returned function
// ends it, marking the status from err.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (o *otelInstrumentation) recordFetch(ctx context.Context, d time.Duration, refresh bool, resultCount int, err error) {
	if o.metricsEnabled {
		o.fetch.record(ctx, d, err, attribute.Bool("refresh", refresh), attribute.Int("result_count", resultCount))
	}
}

func (o *otelInstrumentation) recordMutate(ctx context.Context, d time.Duration, operation string, err error) {
	if o.metricsEnabled {
		o.mutate.record(ctx, d, err, attribute.String("operation", operation))
	}
}

func (o *otelInstrumentation) recordTrack(ctx context.Context, d time.Duration, kind string, err error) {
	if o.metricsEnabled {
		o.track.record(ctx, d, err, attribute.String("event", kind))
	}
}

func (o *otelInstrumentation) recordPush(ctx context.Context, hasMessage bool) {
	if o.metricsEnabled {
		o.pushes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("has_message", hasMessage)))
	}
}
