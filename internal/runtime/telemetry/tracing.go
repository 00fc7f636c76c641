package telemetry

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
)

const tracerName = "github.com/drblury/eventflow"

// Inject writes the span context of ctx into the event's traceparent and
// tracestate extensions.
func (t *Telemetry) Inject(ctx context.Context, evt *cloudeventspkg.Event) {
	if evt == nil {
		return
	}
	t.propagator.Inject(ctx, cloudeventspkg.ExtensionCarrier{Event: evt})
}

// Extract returns ctx carrying the remote span context found in the event.
func (t *Telemetry) Extract(ctx context.Context, evt *cloudeventspkg.Event) context.Context {
	if evt == nil {
		return ctx
	}
	return t.propagator.Extract(ctx, cloudeventspkg.ExtensionCarrier{Event: evt})
}

// SpanInfo describes the delivery a consume span covers.
type SpanInfo struct {
	PubSub    string
	Topic     string
	Partition int32
	Offset    int64
	MessageID string
}

// StartConsumeSpan starts a consumer span as a child of the trace context
// carried by evt.
func (t *Telemetry) StartConsumeSpan(ctx context.Context, evt *cloudeventspkg.Event, info SpanInfo) (context.Context, trace.Span) {
	ctx = t.Extract(ctx, evt)
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", info.PubSub),
		attribute.String("messaging.destination.name", info.Topic),
		attribute.String("messaging.operation", "process"),
		attribute.String("cloudevents.event_id", evt.ID),
		attribute.String("cloudevents.event_type", evt.Type),
		attribute.String("cloudevents.event_source", evt.Source),
		attribute.Int("eventflow.retry", cloudeventspkg.GetRetry(*evt)),
	}
	if info.MessageID != "" {
		attrs = append(attrs, attribute.String("messaging.message.id", info.MessageID))
	} else {
		attrs = append(attrs,
			attribute.Int("messaging.kafka.partition", int(info.Partition)),
			attribute.String("messaging.kafka.offset", strconv.FormatInt(info.Offset, 10)),
		)
	}
	return t.tracer.Start(ctx, evt.Type+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

// StartPublishSpan starts a producer span; Inject afterwards to propagate it.
func (t *Telemetry) StartPublishSpan(ctx context.Context, pubsub, topic, eventType string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, eventType+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", pubsub),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.operation", "publish"),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var _ propagation.TextMapCarrier = cloudeventspkg.ExtensionCarrier{}
