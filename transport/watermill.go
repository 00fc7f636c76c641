package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	deliverypkg "github.com/drblury/eventflow/internal/runtime/delivery"
	dispatchpkg "github.com/drblury/eventflow/internal/runtime/dispatch"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	redeliverypkg "github.com/drblury/eventflow/internal/runtime/redelivery"
)

// WatermillBackend adapts a watermill publisher, and optionally a
// subscriber, to Backend. Without a subscriber it is publish-only.
type WatermillBackend struct {
	name       string
	publisher  message.Publisher
	subscriber message.Subscriber
	maxRetries int
	deps       Deps
}

// WatermillOption customises a WatermillBackend.
type WatermillOption func(*WatermillBackend)

// WithSubscriber enables consuming through sub. Failed events are
// republished through the backend's publisher until maxRetries.
func WithSubscriber(sub message.Subscriber, maxRetries int) WatermillOption {
	return func(b *WatermillBackend) {
		b.subscriber = sub
		b.maxRetries = maxRetries
	}
}

// NewWatermillBackend wraps publisher for the pubsub called name.
func NewWatermillBackend(name string, publisher message.Publisher, deps Deps, opts ...WatermillOption) *WatermillBackend {
	b := &WatermillBackend{
		name:      name,
		publisher: publisher,
		deps:      deps.WithDefaults(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish sends msg as a watermill message. The event id becomes the message
// UUID and the partition key travels as metadata.
func (b *WatermillBackend) Publish(ctx context.Context, topic string, msg Message) error {
	uuid := msg.ID
	if uuid == "" {
		uuid = watermill.NewULID()
	}
	wm := message.NewMessage(uuid, msg.Payload)
	wm.Metadata = metadatapkg.ToWatermill(msg.Headers)
	if len(msg.Key) > 0 {
		wm.Metadata.Set(metadatapkg.KeyPartition, string(msg.Key))
	}
	wm.SetContext(ctx)

	if err := b.publisher.Publish(topic, wm); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", b.name, topic, err)
	}
	return nil
}

// Republish implements redelivery.Republisher.
func (b *WatermillBackend) Republish(ctx context.Context, topic string, key []byte, evt cloudeventspkg.Event) error {
	msg, err := EventMessage(evt, key)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, msg)
}

// NewConsumer consumes cs.Topics through the subscriber.
func (b *WatermillBackend) NewConsumer(cs ConsumerSpec) (Consumer, error) {
	if b.subscriber == nil {
		return nil, fmt.Errorf("pubsub %q: %w", b.name, ErrConsumeUnsupported)
	}
	policy := redeliverypkg.NewRetrier(b.maxRetries, b, cs.DeadLetters, b.deps.Logger, b.deps.Telemetry)
	return &watermillConsumer{
		backend:   b,
		topics:    cs.Topics,
		processor: deliverypkg.NewProcessor(cs.Router, policy, b.deps.Logger, b.deps.Telemetry),
	}, nil
}

// Close closes the publisher and subscriber.
func (b *WatermillBackend) Close() error {
	var errs []error
	if b.subscriber != nil {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.publisher != nil && (b.subscriber == nil || any(b.publisher) != any(b.subscriber)) {
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type watermillConsumer struct {
	backend   *WatermillBackend
	topics    []string
	processor *deliverypkg.Processor
}

// Close is a no-op: the subscriber belongs to the backend.
func (c *watermillConsumer) Close() error {
	return nil
}

// Run subscribes to every topic and feeds one ordered queue per topic.
// Messages are acked once processed; failures were already republished.
func (c *watermillConsumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range c.topics {
		messages, err := c.backend.subscriber.Subscribe(gctx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", c.backend.name, topic, err)
		}
		queue := c.newQueue(topic)
		g.Go(func() error {
			queue.Run()
			return nil
		})
		g.Go(func() error {
			return c.consume(gctx, topic, queue, messages)
		})
	}
	return g.Wait()
}

func (c *watermillConsumer) newQueue(topic string) *dispatchpkg.Queue {
	metrics := c.backend.deps.Telemetry.Metrics
	name := c.backend.name
	return dispatchpkg.NewQueue(topic, 0,
		dispatchpkg.WithDepthFunc(func(n int) { metrics.SetQueueDepth(name, topic, n) }),
	)
}

func (c *watermillConsumer) consume(ctx context.Context, topic string, queue *dispatchpkg.Queue, messages <-chan *message.Message) error {
	defer func() {
		_ = queue.Stop(context.WithoutCancel(ctx))
	}()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			d := deliverypkg.Delivery{
				PubSub:  c.backend.name,
				Topic:   topic,
				Offset:  seq,
				ID:      msg.UUID,
				Key:     []byte(msg.Metadata.Get(metadatapkg.KeyPartition)),
				Payload: msg.Payload,
				Headers: metadatapkg.FromWatermill(msg.Metadata),
			}
			seq++
			item := dispatchpkg.NewWorkItem(ctx, d.Position(), func(ctx context.Context) dispatchpkg.Outcome {
				defer msg.Ack()
				return c.processor.Process(ctx, d)
			})
			if err := queue.Enqueue(ctx, item); err != nil {
				msg.Nack()
				return nil
			}
			item.Start()
		}
	}
}
