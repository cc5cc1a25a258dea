package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/petrijr/stato"

// TracingObserver emits OpenTelemetry spans for applied events and effect
// attempts. Combine it with other observers via NewCompositeObserver.
type TracingObserver struct {
	NoopObserver

	tracer trace.Tracer
}

// NewTracingObserver creates a TracingObserver. If tp is nil the global
// tracer provider is used.
func NewTracingObserver(tp trace.TracerProvider) *TracingObserver {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingObserver{tracer: tp.Tracer(tracerName)}
}

func (o *TracingObserver) OnEventApplied(ctx context.Context, inst *Instance, ev Event) {
	_, span := o.tracer.Start(ctx, "stato.apply",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(ev.At),
		trace.WithAttributes(
			attribute.String("stato.workflow_type", inst.WorkflowType),
			attribute.String("stato.instance_id", inst.InstanceID.String()),
			attribute.String("stato.event_type", ev.Type),
			attribute.Int64("stato.sequence", int64(ev.Sequence)),
			attribute.String("stato.correlation_id", ev.CorrelationID.String()),
			attribute.String("stato.state", inst.State.String()),
		),
	)
	span.End()
}

func (o *TracingObserver) OnEffectCompleted(ctx context.Context, inst *Instance, effect string, attempt int, err error, d time.Duration) {
	now := time.Now()
	_, span := o.tracer.Start(ctx, "stato.effect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(now.Add(-d)),
		trace.WithAttributes(
			attribute.String("stato.workflow_type", inst.WorkflowType),
			attribute.String("stato.instance_id", inst.InstanceID.String()),
			attribute.String("stato.effect", effect),
			attribute.Int("stato.attempt", attempt),
		),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End(trace.WithTimestamp(now))
}

func (o *TracingObserver) OnInstanceSuspended(ctx context.Context, inst *Instance, reason string) {
	_, span := o.tracer.Start(ctx, "stato.suspend",
		trace.WithAttributes(
			attribute.String("stato.workflow_type", inst.WorkflowType),
			attribute.String("stato.instance_id", inst.InstanceID.String()),
			attribute.String("stato.reason", reason),
		),
	)
	span.SetStatus(codes.Error, reason)
	span.End()
}
