package errors

import sterrors "errors"

var (
	ErrHandlerRequired       = sterrors.New("eventflow: handler function is required")
	ErrTopicRequired         = sterrors.New("eventflow: topic is required")
	ErrPubSubRequired        = sterrors.New("eventflow: pubsub name is required")
	ErrEventTypeRequired     = sterrors.New("eventflow: event type is required")
	ErrPayloadRequired       = sterrors.New("eventflow: event payload is required")
	ErrPayloadPointerNeeded  = sterrors.New("eventflow: payload type must be a pointer")
	ErrConfigRequired        = sterrors.New("eventflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("eventflow: logger is required")
	ErrRegistryRequired      = sterrors.New("eventflow: registry is required")
	ErrNotRegistered         = sterrors.New("eventflow: payload type is not registered")
	ErrDuplicateRegistration = sterrors.New("eventflow: payload type is already registered with different routing")
	ErrDuplicateSubscription = sterrors.New("eventflow: routing key already has a subscription")
	ErrRegistryFrozen        = sterrors.New("eventflow: registry is frozen")
	ErrDeadLetterUnresolved  = sterrors.New("eventflow: dead-letter destination could not be resolved")
	ErrUnknownPubSub         = sterrors.New("eventflow: unknown pubsub")
	ErrConsumeUnsupported    = sterrors.New("eventflow: backend does not support consuming")
	ErrQueueStopped          = sterrors.New("eventflow: dispatch queue is stopped")
	ErrPartitionNotOwned     = sterrors.New("eventflow: partition is not owned by this consumer")
	ErrEngineStopped         = sterrors.New("eventflow: engine is stopped")
	ErrEngineRunning         = sterrors.New("eventflow: engine is already running")
)
