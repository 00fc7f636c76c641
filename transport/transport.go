// Package transport defines the backend contract of eventflow. Each backend
// (kafka, redis streams, rabbitmq, ...) lives in its own sub-package and
// registers a Builder with the transport registry.
package transport

import (
	"context"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	deliverypkg "github.com/drblury/eventflow/internal/runtime/delivery"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	redeliverypkg "github.com/drblury/eventflow/internal/runtime/redelivery"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
)

// ErrConsumeUnsupported is returned by NewConsumer of publish-only backends.
var ErrConsumeUnsupported = errspkg.ErrConsumeUnsupported

// Message is an encoded envelope ready to be written to a topic.
type Message struct {
	// ID is the event id; backends with message ids use it.
	ID string
	// Key selects the partition on partitioned backends.
	Key     []byte
	Payload []byte
	Headers metadatapkg.Metadata
}

// EventMessage encodes evt for publishing under key.
func EventMessage(evt cloudeventspkg.Event, key []byte) (Message, error) {
	evt.Stamp()
	payload, err := cloudeventspkg.Encode(evt)
	if err != nil {
		return Message{}, err
	}
	headers := metadatapkg.ForEvent(evt)
	if len(key) > 0 {
		headers = headers.With(metadatapkg.KeyPartition, string(key))
	}
	return Message{
		ID:      evt.ID,
		Key:     key,
		Payload: payload,
		Headers: headers,
	}, nil
}

// Publisher writes messages to topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

// Consumer delivers records of its topics until ctx is cancelled, then shuts
// down gracefully: in-flight handlers complete and progress is flushed
// before Run returns.
type Consumer interface {
	Run(ctx context.Context) error
	// Close releases a consumer whose Run was never called. Run releases
	// its own resources when it returns.
	Close() error
}

// ConsumerSpec is what a backend needs to consume.
type ConsumerSpec struct {
	Topics []string
	Router deliverypkg.Router
	// DeadLetters forwards events whose subscription enables dead-lettering.
	DeadLetters *redeliverypkg.DeadLetterer
}

// Backend is a named pub/sub instance built from one PubSubConfig.
type Backend interface {
	Publisher
	// NewConsumer returns ErrConsumeUnsupported for publish-only backends.
	NewConsumer(cs ConsumerSpec) (Consumer, error)
}

// Deps are the shared services handed to builders.
type Deps struct {
	Logger    loggingpkg.ServiceLogger
	Telemetry *telemetrypkg.Telemetry
}

// WithDefaults fills nil dependencies with no-op implementations.
func (d Deps) WithDefaults() Deps {
	d.Logger = loggingpkg.OrNop(d.Logger)
	d.Telemetry = telemetrypkg.OrNop(d.Telemetry)
	return d
}

// Builder creates a backend from config. name is the pubsub name the
// backend is addressed by.
type Builder func(ctx context.Context, name string, cfg configpkg.PubSubConfig, deps Deps) (Backend, error)

// CapabilitiesProvider is implemented by backends that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
