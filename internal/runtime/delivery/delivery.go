// Package delivery runs one broker record through decode, routing, handler
// invocation and the failure policy. Broker managers wrap Processor.Process
// in a dispatch.WorkItem.
package delivery

import (
	"context"
	"fmt"
	"time"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	registrypkg "github.com/drblury/eventflow/internal/runtime/registry"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
)

// Delivery is a raw record as received from a broker.
type Delivery struct {
	PubSub    string
	Topic     string
	Partition int32
	Offset    int64
	// ID is the stream entry id for brokers without offsets.
	ID      string
	Key     []byte
	Payload []byte
	Headers metadatapkg.Metadata
	// DeliveryCount is how often the broker has handed out this record,
	// when the broker tracks it.
	DeliveryCount int64
}

// Position is the dispatch position of the delivery.
func (d Delivery) Position() dispatchpkg.Position {
	return dispatchpkg.Position{Offset: d.Offset, ID: d.ID}
}

func (d Delivery) logFields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"pubsub": d.PubSub,
		"topic":  d.Topic,
	}
	if d.ID != "" {
		fields["message_id"] = d.ID
	} else {
		fields["partition"] = d.Partition
		fields["offset"] = d.Offset
	}
	return fields
}

// Router resolves a routing key to a subscription.
type Router interface {
	LookupSubscription(key registrypkg.RoutingKey) (*registrypkg.Subscription, bool)
}

// Failure is a handler error together with what is needed to redeliver or
// dead-letter the event.
type Failure struct {
	Delivery     Delivery
	Event        cloudeventspkg.Event
	Subscription *registrypkg.Subscription
	Err          error
}

// FailurePolicy decides the outcome of a failed handler invocation.
type FailurePolicy interface {
	HandleFailure(ctx context.Context, failure Failure) dispatchpkg.Outcome
}

// FailurePolicyFunc adapts a function to FailurePolicy.
type FailurePolicyFunc func(ctx context.Context, failure Failure) dispatchpkg.Outcome

func (f FailurePolicyFunc) HandleFailure(ctx context.Context, failure Failure) dispatchpkg.Outcome {
	return f(ctx, failure)
}

// Processor executes deliveries for one broker.
type Processor struct {
	router    Router
	policy    FailurePolicy
	logger    loggingpkg.ServiceLogger
	telemetry *telemetrypkg.Telemetry
}

// NewProcessor builds a processor. A nil policy leaves every failure as Failed.
func NewProcessor(router Router, policy FailurePolicy, logger loggingpkg.ServiceLogger, tel *telemetrypkg.Telemetry) *Processor {
	return &Processor{
		router:    router,
		policy:    policy,
		logger:    loggingpkg.OrNop(logger),
		telemetry: telemetrypkg.OrNop(tel),
	}
}

// Func binds d to a work item body.
func (p *Processor) Func(d Delivery) dispatchpkg.Func {
	return func(ctx context.Context) dispatchpkg.Outcome {
		return p.Process(ctx, d)
	}
}

// Process runs one delivery to a terminal outcome. Records that cannot be
// decoded or routed are skipped with Success so they never block the
// partition.
func (p *Processor) Process(ctx context.Context, d Delivery) dispatchpkg.Outcome {
	metrics := p.telemetry.Metrics

	evt, err := cloudeventspkg.Decode(d.Payload)
	if err != nil {
		p.logger.Error("Skipping undecodable event", err, d.logFields())
		metrics.RecordDropped(d.PubSub, d.Topic, "undecodable")
		metrics.RecordDelivery(d.PubSub, d.Topic, dispatchpkg.Success, 0)
		return dispatchpkg.Success
	}

	key := registrypkg.RoutingKey{
		PubSub:    d.PubSub,
		Topic:     d.Topic,
		EventType: evt.Type,
		Source:    evt.Source,
	}
	sub, ok := p.router.LookupSubscription(key)
	if !ok {
		fields := d.logFields()
		fields["event_id"] = evt.ID
		fields["event_type"] = evt.Type
		fields["event_source"] = evt.Source
		p.logger.Debug("No subscription for event", fields)
		metrics.RecordDropped(d.PubSub, d.Topic, "unroutable")
		metrics.RecordDelivery(d.PubSub, d.Topic, dispatchpkg.Success, 0)
		return dispatchpkg.Success
	}

	return p.handle(ctx, d, evt, sub)
}

func (p *Processor) handle(ctx context.Context, d Delivery, evt cloudeventspkg.Event, sub *registrypkg.Subscription) dispatchpkg.Outcome {
	tel := p.telemetry
	ctx, span := tel.StartConsumeSpan(ctx, &evt, telemetrypkg.SpanInfo{
		PubSub:    d.PubSub,
		Topic:     d.Topic,
		Partition: d.Partition,
		Offset:    d.Offset,
		MessageID: d.ID,
	})

	info := telemetrypkg.DeliveryContext{
		Context:   ctx,
		PubSub:    d.PubSub,
		Topic:     d.Topic,
		Partition: d.Partition,
		Offset:    d.Offset,
		MessageID: d.ID,
		EventID:   evt.ID,
		EventType: evt.Type,
		Source:    evt.Source,
		Metadata:  d.Headers,
		Retry:     cloudeventspkg.GetRetry(evt),
		StartedAt: time.Now(),
	}
	statsKey := sub.Key.String()
	if tel.Hooks.OnDeliveryStart != nil {
		tel.Hooks.OnDeliveryStart(info)
	}
	tel.Stats.Begin(statsKey)

	err := invoke(ctx, sub, evt, d.Headers)
	info.Duration = time.Since(info.StartedAt)

	outcome := dispatchpkg.Success
	if err != nil {
		if tel.Hooks.OnDeliveryError != nil {
			tel.Hooks.OnDeliveryError(info, err)
		}
		outcome = p.onFailure(ctx, Failure{Delivery: d, Event: evt, Subscription: sub, Err: err})

		fields := d.logFields()
		fields["event_id"] = evt.ID
		fields["event_type"] = evt.Type
		fields["retry"] = info.Retry
		fields["outcome"] = outcome.String()
		p.logger.Error("Handler failed", err, fields)
	}
	info.Outcome = outcome

	telemetrypkg.EndSpan(span, err)
	tel.Stats.Finish(statsKey, outcome, info.Duration, err)
	tel.Metrics.RecordDelivery(d.PubSub, d.Topic, outcome, info.Duration)
	if tel.Hooks.OnDeliveryDone != nil {
		tel.Hooks.OnDeliveryDone(info)
	}
	return outcome
}

func (p *Processor) onFailure(ctx context.Context, failure Failure) dispatchpkg.Outcome {
	if p.policy == nil {
		return dispatchpkg.Failed
	}
	return p.policy.HandleFailure(ctx, failure)
}

func invoke(ctx context.Context, sub *registrypkg.Subscription, evt cloudeventspkg.Event, md metadatapkg.Metadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", sub.Key, r)
		}
	}()
	return sub.Invoke(ctx, evt, md)
}
