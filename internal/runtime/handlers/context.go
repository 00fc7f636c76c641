package handlers

import (
	"context"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// EventContext is what a typed handler receives for one delivery. Payload is
// decoded fresh for every invocation.
type EventContext[T any] struct {
	Event    cloudeventspkg.Event
	Payload  T
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// Retry returns how many times the event has been republished after failures.
func (c EventContext[T]) Retry() int {
	return cloudeventspkg.GetRetry(c.Event)
}

// Get retrieves a broker header by key.
func (c EventContext[T]) Get(key string) string {
	return c.Metadata[key]
}

// EventHandler processes one typed event. Returning an error marks the
// delivery Failed; wrap cloudevents.ErrDeadLetter to skip remaining retries.
type EventHandler[T any] func(ctx context.Context, evt EventContext[T]) error

// Invoker is the type-erased form of an EventHandler stored in subscriptions.
type Invoker func(ctx context.Context, evt cloudeventspkg.Event, md metadatapkg.Metadata) error
