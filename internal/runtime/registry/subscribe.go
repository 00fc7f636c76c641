package registry

import (
	"fmt"
	"reflect"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventflow/internal/runtime/handlers"
)

// SubscriptionOption customises Subscribe.
type SubscriptionOption func(*subscriptionSettings)

type subscriptionSettings struct {
	routing     RoutingKey
	deadLetter  bool
	destination configpkg.DeadLetterDestination
}

// WithRoutingKey overrides the routing template used to register the payload type.
func WithRoutingKey(template RoutingKey) SubscriptionOption {
	return func(s *subscriptionSettings) {
		s.routing = template
	}
}

// WithDeadLetter enables dead-letter forwarding using the configured
// destination for the event type.
func WithDeadLetter() SubscriptionOption {
	return func(s *subscriptionSettings) {
		s.deadLetter = true
	}
}

// WithDeadLetterDestination enables dead-letter forwarding and overrides the
// destination. Unset fields still fall back to the configured destination.
func WithDeadLetterDestination(dest configpkg.DeadLetterDestination) SubscriptionOption {
	return func(s *subscriptionSettings) {
		s.deadLetter = true
		s.destination = dest
	}
}

// Subscribe registers T (if needed) and binds handler to its routing key. The
// dead-letter destination is resolved here so an incomplete destination is a
// startup error.
func Subscribe[T any](r *Registry, handler handlerpkg.EventHandler[T], opts ...SubscriptionOption) (RoutingKey, error) {
	settings := subscriptionSettings{}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	invoke, err := handlerpkg.Build(handler, r.logger)
	if err != nil {
		return RoutingKey{}, err
	}

	typ := reflect.TypeFor[T]()
	r.mu.Lock()
	defer r.mu.Unlock()

	key, err := r.registerLocked(typ, settings.routing)
	if err != nil {
		return RoutingKey{}, err
	}
	if _, exists := r.subscriptions[key]; exists {
		return RoutingKey{}, fmt.Errorf("subscribe %s: %w", key, errspkg.ErrDuplicateSubscription)
	}

	options := Options{}
	if settings.deadLetter {
		dest, err := r.resolveDeadLetter(key.EventType, settings.destination)
		if err != nil {
			return RoutingKey{}, err
		}
		options.DeadLetter = DeadLetterOptions{Enabled: true, Destination: dest}
	}

	r.subscriptions[key] = &Subscription{
		Key:         key,
		PayloadType: typ,
		Invoke:      invoke,
		Options:     options,
	}
	r.logger.Debug("Subscription registered", map[string]any{
		"routing_key": key.String(),
		"dead_letter": options.DeadLetter.Enabled,
	})
	return key, nil
}

func (r *Registry) resolveDeadLetter(eventType string, explicit configpkg.DeadLetterDestination) (configpkg.DeadLetterDestination, error) {
	dest, _ := r.defaults.DeadLetter.Resolve(eventType)
	if explicit.PubSub != "" {
		dest.PubSub = explicit.PubSub
	}
	if explicit.Topic != "" {
		dest.Topic = explicit.Topic
	}
	if explicit.Source != "" {
		dest.Source = explicit.Source
	}
	if !dest.Complete() {
		return configpkg.DeadLetterDestination{}, fmt.Errorf("%w for %s (pubsub=%q topic=%q source=%q)",
			errspkg.ErrDeadLetterUnresolved, eventType, dest.PubSub, dest.Topic, dest.Source)
	}
	return dest, nil
}
