package registry

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventflow/internal/runtime/handlers"
)

type Ping struct {
	Data string `json:"data"`
}

type Flaky struct{}

type Orphan struct{}

func newTestRegistry() *Registry {
	return New(Defaults{
		PubSub: "kafka",
		Topic:  "events",
		Source: "svc",
		DeadLetter: configpkg.DeadLetterConfig{
			Default: configpkg.DeadLetterDestination{PubSub: "kafka", Topic: "DL", Source: "svc-dl"},
		},
	}, nil)
}

func noop[T any](context.Context, handlerpkg.EventContext[T]) error { return nil }

func TestRegisterFillsDefaults(t *testing.T) {
	r := newTestRegistry()

	key, err := Register[Ping](r, RoutingKey{Topic: "pings"})
	require.NoError(t, err)
	assert.Equal(t, RoutingKey{PubSub: "kafka", Topic: "pings", EventType: "Ping", Source: "svc"}, key)

	looked, err := r.LookupMetadata(reflect.TypeFor[Ping]())
	require.NoError(t, err)
	assert.Equal(t, key, looked)

	viaValue, err := r.MetadataFor(Ping{})
	require.NoError(t, err)
	assert.Equal(t, key, viaValue)
}

func TestRegisterProtoUsesFullName(t *testing.T) {
	r := newTestRegistry()
	key, err := Register[*wrapperspb.StringValue](r, RoutingKey{})
	require.NoError(t, err)
	assert.Equal(t, "google.protobuf.StringValue", key.EventType)
}

func TestRegisterIsIdempotentAndRejectsConflicts(t *testing.T) {
	r := newTestRegistry()
	first, err := Register[Ping](r, RoutingKey{Topic: "pings"})
	require.NoError(t, err)

	again, err := Register[Ping](r, RoutingKey{})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	same, err := Register[Ping](r, RoutingKey{Topic: "pings"})
	require.NoError(t, err)
	assert.Equal(t, first, same)

	_, err = Register[Ping](r, RoutingKey{Topic: "other"})
	assert.ErrorIs(t, err, errspkg.ErrDuplicateRegistration)
}

func TestRegisterRequiresPubSubAndTopic(t *testing.T) {
	r := New(Defaults{Source: "svc"}, nil)

	_, err := Register[Ping](r, RoutingKey{Topic: "t"})
	assert.ErrorIs(t, err, errspkg.ErrPubSubRequired)

	_, err = Register[Ping](r, RoutingKey{PubSub: "kafka"})
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestLookupMetadataFailsForUnregisteredType(t *testing.T) {
	r := newTestRegistry()
	_, err := r.LookupMetadata(reflect.TypeFor[Orphan]())
	assert.ErrorIs(t, err, errspkg.ErrNotRegistered)

	_, err = r.MetadataFor(nil)
	assert.ErrorIs(t, err, errspkg.ErrPayloadRequired)
}

func TestSubscribeAndLookup(t *testing.T) {
	r := newTestRegistry()

	key, err := Subscribe[Ping](r, noop[Ping], WithRoutingKey(RoutingKey{Topic: "pings"}))
	require.NoError(t, err)

	sub, ok := r.LookupSubscription(key)
	require.True(t, ok)
	assert.Equal(t, key, sub.Key)
	assert.Equal(t, reflect.TypeFor[Ping](), sub.PayloadType)
	assert.False(t, sub.Options.DeadLetter.Enabled)
	require.NoError(t, sub.Invoke(context.Background(), cloudeventspkg.New("Ping", "svc", []byte(`{}`)), nil))

	_, ok = r.LookupSubscription(RoutingKey{PubSub: "kafka", Topic: "pings", EventType: "Ping", Source: "someone-else"})
	assert.False(t, ok, "a different source is a different routing key")
}

func TestSubscribeReusesRegisteredMetadata(t *testing.T) {
	r := newTestRegistry()
	registered, err := Register[Ping](r, RoutingKey{Topic: "pings", EventType: "ping.v1"})
	require.NoError(t, err)

	subscribed, err := Subscribe[Ping](r, noop[Ping])
	require.NoError(t, err)
	assert.Equal(t, registered, subscribed)
}

func TestSubscribeRejectsDuplicates(t *testing.T) {
	r := newTestRegistry()
	_, err := Subscribe[Ping](r, noop[Ping])
	require.NoError(t, err)

	_, err = Subscribe[Ping](r, noop[Ping])
	assert.ErrorIs(t, err, errspkg.ErrDuplicateSubscription)
}

func TestSubscribeResolvesDeadLetterDestination(t *testing.T) {
	r := newTestRegistry()

	key, err := Subscribe[Flaky](r, noop[Flaky], WithDeadLetter())
	require.NoError(t, err)
	sub, _ := r.LookupSubscription(key)
	assert.True(t, sub.Options.DeadLetter.Enabled)
	assert.Equal(t, configpkg.DeadLetterDestination{PubSub: "kafka", Topic: "DL", Source: "svc-dl"}, sub.Options.DeadLetter.Destination)

	key, err = Subscribe[Ping](r, noop[Ping], WithDeadLetterDestination(configpkg.DeadLetterDestination{Topic: "ping-dl"}))
	require.NoError(t, err)
	sub, _ = r.LookupSubscription(key)
	assert.Equal(t, "ping-dl", sub.Options.DeadLetter.Destination.Topic)
	assert.Equal(t, "kafka", sub.Options.DeadLetter.Destination.PubSub)
}

func TestSubscribeFailsFastOnUnresolvedDeadLetter(t *testing.T) {
	r := New(Defaults{PubSub: "kafka", Topic: "events", Source: "svc"}, nil)

	_, err := Subscribe[Flaky](r, noop[Flaky], WithDeadLetter())
	assert.ErrorIs(t, err, errspkg.ErrDeadLetterUnresolved)

	_, ok := r.LookupSubscription(RoutingKey{PubSub: "kafka", Topic: "events", EventType: "Flaky", Source: "svc"})
	assert.False(t, ok)
}

func TestSubscribedTopicsAndPubSubs(t *testing.T) {
	r := newTestRegistry()
	_, err := Subscribe[Ping](r, noop[Ping], WithRoutingKey(RoutingKey{Topic: "pings"}))
	require.NoError(t, err)
	_, err = Subscribe[Flaky](r, noop[Flaky], WithRoutingKey(RoutingKey{Topic: "flaky"}))
	require.NoError(t, err)
	_, err = Subscribe[Orphan](r, noop[Orphan], WithRoutingKey(RoutingKey{PubSub: "redis", Topic: "orphans"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"flaky", "pings"}, r.SubscribedTopics("kafka"))
	assert.Equal(t, []string{"orphans"}, r.SubscribedTopics("redis"))
	assert.Empty(t, r.SubscribedTopics("nats"))
	assert.Equal(t, []string{"kafka", "redis"}, r.PubSubs())
	assert.Len(t, r.Subscriptions(), 3)
}

func TestFreezeRejectsRegistrationAndAllowsConcurrentLookups(t *testing.T) {
	r := newTestRegistry()
	key, err := Subscribe[Ping](r, noop[Ping])
	require.NoError(t, err)
	r.Freeze()
	assert.True(t, r.Frozen())

	_, err = Register[Flaky](r, RoutingKey{})
	assert.ErrorIs(t, err, errspkg.ErrRegistryFrozen)
	_, err = Subscribe[Flaky](r, noop[Flaky])
	assert.ErrorIs(t, err, errspkg.ErrRegistryFrozen)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, ok := r.LookupSubscription(key)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}
