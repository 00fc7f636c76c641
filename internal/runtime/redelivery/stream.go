package redelivery

import (
	"context"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	deliverypkg "github.com/drblury/eventflow/internal/runtime/delivery"
	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
)

// StreamPolicy is the failure policy for consumer-group streams. A failed
// entry is left pending so the reclaim loop hands it out again; the broker's
// delivery counter bounds how often that happens when maxDeliveries > 0.
type StreamPolicy struct {
	maxDeliveries int64
	deadLetters   *DeadLetterer
	logger        loggingpkg.ServiceLogger
	telemetry     *telemetrypkg.Telemetry
}

// NewStreamPolicy creates the policy. maxDeliveries <= 0 never gives up.
func NewStreamPolicy(maxDeliveries int64, deadLetters *DeadLetterer, logger loggingpkg.ServiceLogger, tel *telemetrypkg.Telemetry) *StreamPolicy {
	return &StreamPolicy{
		maxDeliveries: maxDeliveries,
		deadLetters:   deadLetters,
		logger:        loggingpkg.OrNop(logger),
		telemetry:     telemetrypkg.OrNop(tel),
	}
}

// HandleFailure implements delivery.FailurePolicy.
func (p *StreamPolicy) HandleFailure(ctx context.Context, f deliverypkg.Failure) dispatchpkg.Outcome {
	if cloudeventspkg.ShouldDeadLetter(f.Err) {
		return p.deadLetters.Forward(ctx, f, ReasonDeadLetterDisabled)
	}
	if p.maxDeliveries > 0 && f.Delivery.DeliveryCount >= p.maxDeliveries {
		return p.deadLetters.Forward(ctx, f, ReasonDeliveriesExceeded)
	}

	fields := failureFields(f)
	fields["message_id"] = f.Delivery.ID
	fields["delivery_count"] = f.Delivery.DeliveryCount
	p.logger.Debug("Entry left pending for reclaim", fields)
	return dispatchpkg.Failed
}
