package redelivery

import (
	"context"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	deliverypkg "github.com/drblury/eventflow/internal/runtime/delivery"
	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
)

// Republisher writes an envelope back to its own topic, keeping the
// partition key.
type Republisher interface {
	Republish(ctx context.Context, topic string, key []byte, evt cloudeventspkg.Event) error
}

// Retrier is the failure policy for partitioned logs: failed events are
// republished to the same topic with retry+1 until MaxRetries is reached.
type Retrier struct {
	maxRetries  int
	republisher Republisher
	deadLetters *DeadLetterer
	logger      loggingpkg.ServiceLogger
	telemetry   *telemetrypkg.Telemetry
}

// NewRetrier creates the policy. deadLetters handles exhausted events.
func NewRetrier(maxRetries int, republisher Republisher, deadLetters *DeadLetterer, logger loggingpkg.ServiceLogger, tel *telemetrypkg.Telemetry) *Retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrier{
		maxRetries:  maxRetries,
		republisher: republisher,
		deadLetters: deadLetters,
		logger:      loggingpkg.OrNop(logger),
		telemetry:   telemetrypkg.OrNop(tel),
	}
}

// HandleFailure implements delivery.FailurePolicy.
func (r *Retrier) HandleFailure(ctx context.Context, f deliverypkg.Failure) dispatchpkg.Outcome {
	retry := cloudeventspkg.GetRetry(f.Event)

	if cloudeventspkg.ShouldDeadLetter(f.Err) {
		return r.deadLetters.Forward(ctx, f, ReasonDeadLetterDisabled)
	}
	if retry >= r.maxRetries {
		return r.deadLetters.Forward(ctx, f, ReasonRetriesExhausted)
	}

	evt := f.Event.Clone()
	cloudeventspkg.SetRetry(&evt, retry+1)
	if err := r.republisher.Republish(ctx, f.Delivery.Topic, f.Delivery.Key, evt); err != nil {
		r.logger.Error("Republish failed", err, failureFields(f))
		return Drop(r.logger, r.telemetry, f, ReasonRepublishFailed)
	}

	fields := failureFields(f)
	fields["next_retry"] = retry + 1
	r.logger.Debug("Event republished for retry", fields)
	r.telemetry.Metrics.RecordRedelivery(f.Delivery.PubSub, f.Delivery.Topic)
	return dispatchpkg.Failed
}
