package eventflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type OrderPlaced struct {
	OrderID string `json:"order_id"`
}

func TestBuiltInBackendsAreRegistered(t *testing.T) {
	for _, typ := range []string{TypeKafka, TypeRedisStream, TypeChannel, TypeRabbitMQ, TypeNATS, TypeHTTP, TypeAWS} {
		assert.True(t, DefaultTransportRegistry.Has(typ), typ)
	}
}

func TestEngineRoundTripOverChannel(t *testing.T) {
	engine, err := NewEngine(context.Background(), Config{
		Source:       "orders-svc",
		DefaultTopic: "orders",
		PubSubs: map[string]PubSubConfig{
			"local": {Type: TypeChannel, Channel: ChannelConfig{Persistent: true}},
		},
	}, NewNopServiceLogger(), EngineDependencies{
		Telemetry: NewTelemetry(WithRegisterer(prometheus.NewRegistry())),
	})
	require.NoError(t, err)

	received := make(chan EventContext[OrderPlaced], 1)
	key, err := Subscribe[OrderPlaced](engine, func(_ context.Context, evt EventContext[OrderPlaced]) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, RoutingKey{PubSub: "local", Topic: "orders", EventType: "OrderPlaced", Source: "orders-svc"}, key)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Start(ctx) }()

	_, err = engine.Publish(context.Background(), OrderPlaced{OrderID: "o-1"}, WithPartitionKey("o-1"))
	require.NoError(t, err)

	select {
	case evt := <-received:
		assert.Equal(t, "o-1", evt.Payload.OrderID)
		assert.Equal(t, "orders-svc", evt.Event.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	require.NoError(t, engine.Stop(context.Background()))
	require.NoError(t, <-done)

	_, err = engine.Publish(context.Background(), OrderPlaced{})
	assert.True(t, errors.Is(err, ErrEngineStopped))
}

func TestPublishUnregisteredPayload(t *testing.T) {
	engine, err := NewEngine(context.Background(), Config{
		Source:  "svc",
		PubSubs: map[string]PubSubConfig{"local": {Type: TypeChannel}},
	}, nil, EngineDependencies{Telemetry: NopTelemetry()})
	require.NoError(t, err)
	defer engine.Stop(context.Background())

	_, err = engine.Publish(context.Background(), OrderPlaced{})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestDeadLetterHelpers(t *testing.T) {
	err := ErrDeadLetterWithReason("invalid payload", errors.New("boom"))
	assert.True(t, ShouldDeadLetter(err))
	assert.True(t, IsDeadLetterType("deadletter.OrderPlaced"))
	assert.False(t, IsDeadLetterType("OrderPlaced"))
}
