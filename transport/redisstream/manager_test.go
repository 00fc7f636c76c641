package redisstream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	handlerpkg "github.com/drblury/eventflow/internal/runtime/handlers"
	redeliverypkg "github.com/drblury/eventflow/internal/runtime/redelivery"
	registrypkg "github.com/drblury/eventflow/internal/runtime/registry"
	"github.com/drblury/eventflow/transport"
)

type Ping struct {
	Data string `json:"data"`
}

type Flaky struct{}

type backendPublisher struct {
	backend transport.Backend
}

func (p backendPublisher) PublishEvent(ctx context.Context, _ string, topic string, evt cloudeventspkg.Event) error {
	msg, err := transport.EventMessage(evt, nil)
	if err != nil {
		return err
	}
	return p.backend.Publish(ctx, topic, msg)
}

type harness struct {
	redis   *fakeRedis
	backend transport.Backend
	reg     *registrypkg.Registry
}

func newHarness(t *testing.T, stream configpkg.StreamConfig) *harness {
	t.Helper()
	fake := newFakeRedis()
	original := ClientFactory
	t.Cleanup(func() { ClientFactory = original })
	ClientFactory = func(configpkg.StreamConfig) (Client, error) { return fake, nil }

	stream.ConsumerGroup = "svc"
	stream.ConsumerName = "me"
	if stream.PollInterval == 0 {
		stream.PollInterval = 5 * time.Millisecond
	}
	if stream.ProcessingTimeout == 0 {
		stream.ProcessingTimeout = 50 * time.Millisecond
	}
	backend, err := Build(context.Background(), "redis", configpkg.PubSubConfig{Type: TransportName, Stream: stream}, transport.Deps{})
	require.NoError(t, err)

	return &harness{
		redis:   fake,
		backend: backend,
		reg: registrypkg.New(registrypkg.Defaults{
			PubSub: "redis",
			Topic:  "orders",
			Source: "svc",
			DeadLetter: configpkg.DeadLetterConfig{
				Default: configpkg.DeadLetterDestination{PubSub: "redis", Topic: "DL", Source: "svc-dl"},
			},
		}, nil),
	}
}

func (h *harness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	h.reg.Freeze()
	consumer, err := h.backend.NewConsumer(transport.ConsumerSpec{
		Topics:      []string{"orders"},
		Router:      h.reg,
		DeadLetters: redeliverypkg.NewDeadLetterer(backendPublisher{h.backend}, nil, nil),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func (h *harness) publish(t *testing.T, eventType string) cloudeventspkg.Event {
	t.Helper()
	evt := cloudeventspkg.New(eventType, "svc", []byte(`{"data":"hello"}`))
	msg, err := transport.EventMessage(evt, []byte("customer-1"))
	require.NoError(t, err)
	require.NoError(t, h.backend.Publish(context.Background(), "orders", msg))
	return evt
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManagerDeliversAndAcks(t *testing.T) {
	h := newHarness(t, configpkg.StreamConfig{})
	received := make(chan handlerpkg.EventContext[Ping], 1)
	_, err := registrypkg.Subscribe[Ping](h.reg, func(_ context.Context, evt handlerpkg.EventContext[Ping]) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)

	cancel, done := h.start(t)
	sent := h.publish(t, "Ping")

	select {
	case evt := <-received:
		assert.Equal(t, "hello", evt.Payload.Data)
		assert.Equal(t, sent.ID, evt.Event.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
	require.Eventually(t, func() bool { return h.redis.isAcked("1-0") }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, h.redis.pendingCount("orders"))

	stop(t, cancel, done)
	h.redis.mu.Lock()
	assert.Equal(t, 1, h.redis.closes)
	h.redis.mu.Unlock()
}

func TestManagerRedeliversFailedEntries(t *testing.T) {
	h := newHarness(t, configpkg.StreamConfig{})
	var attempts atomic.Int32
	_, err := registrypkg.Subscribe[Ping](h.reg, func(context.Context, handlerpkg.EventContext[Ping]) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)

	cancel, done := h.start(t)
	h.publish(t, "Ping")

	require.Eventually(t, func() bool { return h.redis.isAcked("1-0") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	stop(t, cancel, done)
}

func TestManagerReclaimsEntriesOfCrashedConsumer(t *testing.T) {
	h := newHarness(t, configpkg.StreamConfig{})
	var attempts atomic.Int32
	_, err := registrypkg.Subscribe[Ping](h.reg, func(context.Context, handlerpkg.EventContext[Ping]) error {
		attempts.Add(1)
		return nil
	})
	require.NoError(t, err)

	h.publish(t, "Ping")
	require.Len(t, h.redis.deliverTo("orders", "crashed", 10), 1)

	cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.redis.isAcked("1-0") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
	stop(t, cancel, done)
}

func TestManagerAcksOrphanedEntries(t *testing.T) {
	h := newHarness(t, configpkg.StreamConfig{})
	var attempts atomic.Int32
	_, err := registrypkg.Subscribe[Ping](h.reg, func(context.Context, handlerpkg.EventContext[Ping]) error {
		attempts.Add(1)
		return nil
	})
	require.NoError(t, err)

	h.publish(t, "Ping")
	require.Len(t, h.redis.deliverTo("orders", "crashed", 10), 1)
	h.redis.deleteEntry("orders", "1-0")

	cancel, done := h.start(t)
	require.Eventually(t, func() bool { return h.redis.isAcked("1-0") }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, attempts.Load())
	stop(t, cancel, done)
}

func TestManagerDeadLettersAfterMaxDeliveries(t *testing.T) {
	h := newHarness(t, configpkg.StreamConfig{MaxDeliveries: 2})
	var attempts atomic.Int32
	_, err := registrypkg.Subscribe[Flaky](h.reg, func(context.Context, handlerpkg.EventContext[Flaky]) error {
		attempts.Add(1)
		return errors.New("always fails")
	}, registrypkg.WithDeadLetter())
	require.NoError(t, err)

	cancel, done := h.start(t)
	original := h.publish(t, "Flaky")

	require.Eventually(t, func() bool { return h.redis.isAcked("1-0") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	stop(t, cancel, done)

	h.redis.mu.Lock()
	deadEntries := h.redis.stream("DL").entries
	h.redis.mu.Unlock()
	require.Len(t, deadEntries, 1)

	evt, err := cloudeventspkg.Decode([]byte(stringValue(deadEntries[0].Values[FieldData])))
	require.NoError(t, err)
	assert.Equal(t, "deadletter.Flaky", evt.Type)
	dead, err := cloudeventspkg.DecodeDeadLetter(evt)
	require.NoError(t, err)
	assert.Equal(t, original.ID, dead.DeadEvent.ID)
	assert.Equal(t, "redis", dead.OriginatingPubSub)
	assert.Equal(t, "orders", dead.OriginatingTopic)
}

func TestManagerReclaimsHungEntryAfterProcessingTimeout(t *testing.T) {
	h := newHarness(t, configpkg.StreamConfig{ProcessingTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	var attempts atomic.Int32
	_, err := registrypkg.Subscribe[Ping](h.reg, func(context.Context, handlerpkg.EventContext[Ping]) error {
		if attempts.Add(1) == 1 {
			<-release
		}
		return nil
	})
	require.NoError(t, err)

	cancel, done := h.start(t)
	h.publish(t, "Ping")

	require.Eventually(t, func() bool { return attempts.Load() >= 2 }, 2*time.Second, 5*time.Millisecond,
		"entry idle past the processing timeout must be dispatched again")
	assert.False(t, h.redis.isAcked("1-0"))

	close(release)
	require.Eventually(t, func() bool { return h.redis.isAcked("1-0") }, 2*time.Second, 5*time.Millisecond)
	stop(t, cancel, done)
}
