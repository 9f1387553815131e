package api

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for run tracing.
const tracerName = "github.com/lumi-retreat/lumi"

// TracingObserver records one OpenTelemetry span per run attempt, with an
// event per executed step. Without a configured TracerProvider the global
// noop tracer is used and the observer costs almost nothing.
type TracingObserver struct {
	NoopObserver

	tracer trace.Tracer
	spans  sync.Map // run id -> trace.Span
}

// NewTracingObserver returns a TracingObserver using the global tracer.
func NewTracingObserver() *TracingObserver {
	return NewTracingObserverWithTracer(otel.Tracer(tracerName))
}

// NewTracingObserverWithTracer returns a TracingObserver using tracer.
func NewTracingObserverWithTracer(tracer trace.Tracer) *TracingObserver {
	return &TracingObserver{tracer: tracer}
}

func (o *TracingObserver) OnRunStart(ctx context.Context, run *Run) {
	_, span := o.tracer.Start(ctx, "lumi.run.attempt",
		trace.WithAttributes(
			attribute.String("lumi.run.id", run.ID),
			attribute.String("lumi.handler", run.HandlerID),
			attribute.String("lumi.event", string(run.Envelope.Name)),
			attribute.Int("lumi.attempt", run.AttemptCount),
			attribute.String("lumi.concurrency_key", run.ConcurrencyKey),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	o.spans.Store(run.ID, span)
}

func (o *TracingObserver) end(run *Run, err error, status codes.Code) {
	v, ok := o.spans.LoadAndDelete(run.ID)
	if !ok {
		return
	}
	span := v.(trace.Span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(status, err.Error())
	} else {
		span.SetStatus(status, "")
	}
	span.End()
}

func (o *TracingObserver) OnRunSucceeded(ctx context.Context, run *Run) {
	o.end(run, nil, codes.Ok)
}

func (o *TracingObserver) OnRunRetrying(ctx context.Context, run *Run, err error, d time.Duration) {
	if v, ok := o.spans.Load(run.ID); ok {
		v.(trace.Span).SetAttributes(attribute.Int64("lumi.retry_delay_ms", d.Milliseconds()))
	}
	o.end(run, err, codes.Error)
}

func (o *TracingObserver) OnRunFailed(ctx context.Context, run *Run, err error) {
	o.end(run, err, codes.Error)
}

func (o *TracingObserver) OnStepCompleted(ctx context.Context, run *Run, stepName string, idx int, err error, d time.Duration) {
	v, ok := o.spans.Load(run.ID)
	if !ok {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("lumi.step", stepName),
		attribute.Int("lumi.step_index", idx),
		attribute.Int64("lumi.duration_ms", d.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("lumi.error", err.Error()))
	}
	v.(trace.Span).AddEvent("step_completed", trace.WithAttributes(attrs...))
}
