// Package redelivery decides what happens to an event after its handler
// failed: republish with an incremented retry counter, forward to a
// dead-letter destination, or drop.
package redelivery

import (
	"context"
	"time"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	deliverypkg "github.com/drblury/eventflow/internal/runtime/delivery"
	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
)

// Drop reasons reported in logs and the dropped_total metric.
const (
	ReasonRetriesExhausted   = "retries_exhausted"
	ReasonDeliveriesExceeded = "deliveries_exceeded"
	ReasonDeadLetterDisabled = "dead_letter_disabled"
	ReasonDeadLetterCycle    = "dead_letter_cycle"
	ReasonDeadLetterFailed   = "dead_letter_failed"
	ReasonRepublishFailed    = "republish_failed"
)

// EventPublisher is the ordinary publish path for pre-built envelopes.
type EventPublisher interface {
	PublishEvent(ctx context.Context, pubsub, topic string, evt cloudeventspkg.Event) error
}

// DeadLetterer forwards failed events to their subscription's dead-letter
// destination.
type DeadLetterer struct {
	publisher EventPublisher
	logger    loggingpkg.ServiceLogger
	telemetry *telemetrypkg.Telemetry
	now       func() time.Time
}

// NewDeadLetterer creates a DeadLetterer publishing through publisher.
func NewDeadLetterer(publisher EventPublisher, logger loggingpkg.ServiceLogger, tel *telemetrypkg.Telemetry) *DeadLetterer {
	return &DeadLetterer{
		publisher: publisher,
		logger:    loggingpkg.OrNop(logger),
		telemetry: telemetrypkg.OrNop(tel),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether the failed subscription forwards dead letters.
func Enabled(f deliverypkg.Failure) bool {
	return f.Subscription != nil && f.Subscription.Options.DeadLetter.Enabled
}

// Forward dead-letters the failed event, or drops it when that is not
// possible. dropReason is used when the subscription has dead-lettering
// disabled.
func (d *DeadLetterer) Forward(ctx context.Context, f deliverypkg.Failure, dropReason string) dispatchpkg.Outcome {
	if d == nil {
		return Drop(loggingpkg.NewNopServiceLogger(), telemetrypkg.Nop(), f, dropReason)
	}
	if !Enabled(f) {
		return Drop(d.logger, d.telemetry, f, dropReason)
	}
	if cloudeventspkg.IsDeadLetterType(f.Event.Type) {
		return Drop(d.logger, d.telemetry, f, ReasonDeadLetterCycle)
	}

	dest := f.Subscription.Options.DeadLetter.Destination
	evt, err := cloudeventspkg.NewDeadLetterEvent(dest.Source, cloudeventspkg.DeadLetter{
		OriginatingPubSub: f.Delivery.PubSub,
		OriginatingTopic:  f.Delivery.Topic,
		DeadEvent:         f.Event,
		DeadTime:          d.now(),
		Reason:            cloudeventspkg.FailureReason(f.Err),
	})
	if err == nil {
		err = d.publisher.PublishEvent(ctx, dest.PubSub, dest.Topic, evt)
	}
	if err != nil {
		fields := failureFields(f)
		fields["dead_letter_pubsub"] = dest.PubSub
		fields["dead_letter_topic"] = dest.Topic
		d.logger.Error("Dead-letter forwarding failed", err, fields)
		return Drop(d.logger, d.telemetry, f, ReasonDeadLetterFailed)
	}

	fields := failureFields(f)
	fields["dead_letter_pubsub"] = dest.PubSub
	fields["dead_letter_topic"] = dest.Topic
	fields["dead_letter_id"] = evt.ID
	d.logger.Info("Event sent to dead letter", fields)
	d.telemetry.Metrics.RecordDeadLetter(f.Delivery.PubSub, f.Delivery.Topic)
	return dispatchpkg.SentToDeadLetter
}

// Drop logs and counts an event that will not be delivered again.
func Drop(logger loggingpkg.ServiceLogger, tel *telemetrypkg.Telemetry, f deliverypkg.Failure, reason string) dispatchpkg.Outcome {
	fields := failureFields(f)
	fields["reason"] = reason
	logger.Error("Event dropped", f.Err, fields)
	tel.Metrics.RecordDropped(f.Delivery.PubSub, f.Delivery.Topic, reason)
	return dispatchpkg.Dropped
}

func failureFields(f deliverypkg.Failure) loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"pubsub":     f.Delivery.PubSub,
		"topic":      f.Delivery.Topic,
		"event_id":   f.Event.ID,
		"event_type": f.Event.Type,
		"retry":      cloudeventspkg.GetRetry(f.Event),
	}
}
