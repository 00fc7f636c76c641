package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventflow/internal/runtime/handlers"
	registrypkg "github.com/drblury/eventflow/internal/runtime/registry"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
	"github.com/drblury/eventflow/transport"
)

// PublishOption customises a single Publish call.
type PublishOption func(*publishSettings)

type publishSettings struct {
	partitionKey []byte
	subject      *string
	id           string
	extensions   map[string]any
}

// WithPartitionKey routes the event by key on partitioned backends.
func WithPartitionKey(key string) PublishOption {
	return func(s *publishSettings) {
		s.partitionKey = []byte(key)
	}
}

// WithSubject sets the envelope subject.
func WithSubject(subject string) PublishOption {
	return func(s *publishSettings) {
		s.subject = &subject
	}
}

// WithID replaces the generated event id.
func WithID(id string) PublishOption {
	return func(s *publishSettings) {
		s.id = id
	}
}

// WithExtension adds a CloudEvents extension attribute.
func WithExtension(key string, value any) PublishOption {
	return func(s *publishSettings) {
		if s.extensions == nil {
			s.extensions = make(map[string]any)
		}
		s.extensions[key] = value
	}
}

// Publish wraps data in an envelope routed by its registered type and hands
// it to the pubsub of that routing key. The published envelope is returned,
// including the trace context injected into its extensions.
func (e *Engine) Publish(ctx context.Context, data any, opts ...PublishOption) (cloudeventspkg.Event, error) {
	settings := publishSettings{}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	key, err := e.metadataFor(data)
	if err != nil {
		return cloudeventspkg.Event{}, err
	}

	payload, err := handlerpkg.EncodePayload(data)
	if err != nil {
		return cloudeventspkg.Event{}, fmt.Errorf("encode %s payload: %w", key.EventType, err)
	}

	evt := cloudeventspkg.New(key.EventType, key.Source, payload)
	if settings.id != "" {
		evt.ID = settings.id
	}
	evt.Subject = settings.subject
	for k, v := range settings.extensions {
		evt.SetExtension(k, v)
	}

	if err := e.publish(ctx, key.PubSub, key.Topic, &evt, settings.partitionKey); err != nil {
		return cloudeventspkg.Event{}, err
	}
	return evt, nil
}

// PublishEvent publishes a pre-built envelope to topic on pubsub. The
// dead-letter path uses it to reach destinations on any configured pubsub.
func (e *Engine) PublishEvent(ctx context.Context, pubsub, topic string, evt cloudeventspkg.Event) error {
	evt = evt.Clone()
	return e.publish(ctx, pubsub, topic, &evt, nil)
}

func (e *Engine) publish(ctx context.Context, pubsub, topic string, evt *cloudeventspkg.Event, key []byte) (err error) {
	backend, err := e.backend(pubsub)
	if err != nil {
		return err
	}

	ctx, span := e.telemetry.StartPublishSpan(ctx, pubsub, topic, evt.Type)
	defer func() { telemetrypkg.EndSpan(span, err) }()

	evt.Stamp()
	e.telemetry.Inject(ctx, evt)

	msg, err := transport.EventMessage(*evt, key)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	if err := backend.Publish(ctx, topic, msg); err != nil {
		return err
	}

	e.telemetry.Metrics.RecordPublished(pubsub, topic, evt.Type)
	return nil
}

// metadataFor resolves the routing key of data, accepting a pointer to a
// registered value type.
func (e *Engine) metadataFor(data any) (registrypkg.RoutingKey, error) {
	key, err := e.registry.MetadataFor(data)
	if err == nil || !errors.Is(err, errspkg.ErrNotRegistered) {
		return key, err
	}
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return key, err
	}
	if elemKey, elemErr := e.registry.LookupMetadata(v.Type().Elem()); elemErr == nil {
		return elemKey, nil
	}
	return key, err
}
