package telemetry

import (
	"context"
	"time"

	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// DeliveryContext describes one delivery to hooks.
type DeliveryContext struct {
	// Context is the handler context, carrying the consume span.
	Context   context.Context
	PubSub    string
	Topic     string
	Partition int32
	Offset    int64
	MessageID string
	EventID   string
	EventType string
	Source    string
	Metadata  metadatapkg.Metadata
	// Retry is the redelivery counter from the envelope.
	Retry     int
	StartedAt time.Time
	// Duration and Outcome are set for OnDeliveryDone and OnDeliveryError.
	Duration time.Duration
	Outcome  dispatchpkg.Outcome
}

// Hooks are optional delivery lifecycle callbacks. They run on the work item
// goroutine and must not block.
type Hooks struct {
	// OnDeliveryStart is called before the handler is invoked.
	OnDeliveryStart func(ctx DeliveryContext)

	// OnDeliveryDone is called once the outcome is known, for every outcome.
	OnDeliveryDone func(ctx DeliveryContext)

	// OnDeliveryError is called when the handler returned an error, before
	// OnDeliveryDone.
	OnDeliveryError func(ctx DeliveryContext, err error)
}

// Merge returns hooks calling h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnDeliveryStart: chain(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:  chain(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeliveryError: chainError(h.OnDeliveryError, other.OnDeliveryError),
	}
}

func chain(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainError(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}
