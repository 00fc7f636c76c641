// Package registry maps payload types to routing metadata and routing
// metadata to subscriptions. It is populated by explicit registration at
// startup and frozen before the first delivery.
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

// RoutingKey identifies a subscription. It is comparable and used as a map key.
type RoutingKey struct {
	PubSub    string
	Topic     string
	EventType string
	Source    string
}

func (k RoutingKey) String() string {
	return fmt.Sprintf("%s/%s/%s@%s", k.PubSub, k.Topic, k.EventType, k.Source)
}

// IsZero reports whether no field is set.
func (k RoutingKey) IsZero() bool {
	return k == RoutingKey{}
}

// Defaults are the process-wide fallbacks for unset RoutingKey fields and
// dead-letter destinations.
type Defaults struct {
	PubSub     string
	Topic      string
	Source     string
	DeadLetter configpkg.DeadLetterConfig
}

// DefaultsFromConfig extracts registry defaults from the engine configuration.
func DefaultsFromConfig(cfg configpkg.Config) Defaults {
	return Defaults{
		PubSub:     cfg.DefaultPubSub,
		Topic:      cfg.DefaultTopic,
		Source:     cfg.Source,
		DeadLetter: cfg.DeadLetter,
	}
}

// DeadLetterOptions controls dead-letter forwarding for one subscription.
type DeadLetterOptions struct {
	Enabled     bool
	Destination configpkg.DeadLetterDestination
}

// Options are the per-subscription settings.
type Options struct {
	DeadLetter DeadLetterOptions
}

// Subscription binds one handler to one RoutingKey. Immutable once registered.
type Subscription struct {
	Key         RoutingKey
	PayloadType reflect.Type
	Invoke      handlerpkg.Invoker
	Options     Options
}

// Registry is safe for concurrent registration; after Freeze lookups take no lock.
type Registry struct {
	mu            sync.RWMutex
	frozen        atomic.Bool
	defaults      Defaults
	logger        loggingpkg.ServiceLogger
	metadata      map[reflect.Type]RoutingKey
	subscriptions map[RoutingKey]*Subscription
}

// New creates an empty registry.
func New(defaults Defaults, logger loggingpkg.ServiceLogger) *Registry {
	return &Registry{
		defaults:      defaults,
		logger:        loggingpkg.OrNop(logger),
		metadata:      make(map[reflect.Type]RoutingKey),
		subscriptions: make(map[RoutingKey]*Subscription),
	}
}

// Defaults returns the fallbacks the registry was built with.
func (r *Registry) Defaults() Defaults {
	return r.defaults
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Register associates payload type T with a routing key built from template,
// filling unset fields from the defaults. Registering T again with the zero
// template returns the existing key.
func Register[T any](r *Registry, template RoutingKey) (RoutingKey, error) {
	return r.register(reflect.TypeFor[T](), template)
}

func (r *Registry) register(typ reflect.Type, template RoutingKey) (RoutingKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(typ, template)
}

func (r *Registry) registerLocked(typ reflect.Type, template RoutingKey) (RoutingKey, error) {
	if r.frozen.Load() {
		return RoutingKey{}, errspkg.ErrRegistryFrozen
	}
	if existing, ok := r.metadata[typ]; ok && template.IsZero() {
		return existing, nil
	}

	key := r.resolve(typ, template)
	switch {
	case key.PubSub == "":
		return RoutingKey{}, fmt.Errorf("register %s: %w", typ, errspkg.ErrPubSubRequired)
	case key.Topic == "":
		return RoutingKey{}, fmt.Errorf("register %s: %w", typ, errspkg.ErrTopicRequired)
	case key.EventType == "":
		return RoutingKey{}, fmt.Errorf("register %s: %w", typ, errspkg.ErrEventTypeRequired)
	}

	if existing, ok := r.metadata[typ]; ok && existing != key {
		return RoutingKey{}, fmt.Errorf("register %s as %s (already %s): %w", typ, key, existing, errspkg.ErrDuplicateRegistration)
	}
	r.metadata[typ] = key
	return key, nil
}

func (r *Registry) resolve(typ reflect.Type, template RoutingKey) RoutingKey {
	key := template
	if key.PubSub == "" {
		key.PubSub = r.defaults.PubSub
	}
	if key.Topic == "" {
		key.Topic = r.defaults.Topic
	}
	if key.Source == "" {
		key.Source = r.defaults.Source
	}
	if key.EventType == "" {
		key.EventType = handlerpkg.TypeName(typ)
	}
	return key
}

// LookupMetadata returns the routing key of a registered payload type. An
// unregistered type is a programming error and fails with ErrNotRegistered.
func (r *Registry) LookupMetadata(typ reflect.Type) (RoutingKey, error) {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	key, ok := r.metadata[typ]
	if !ok {
		return RoutingKey{}, fmt.Errorf("%w: %s", errspkg.ErrNotRegistered, typ)
	}
	return key, nil
}

// MetadataFor is LookupMetadata for the dynamic type of v.
func (r *Registry) MetadataFor(v any) (RoutingKey, error) {
	if v == nil {
		return RoutingKey{}, errspkg.ErrPayloadRequired
	}
	return r.LookupMetadata(reflect.TypeOf(v))
}

// LookupSubscription returns the subscription for key. A miss is a normal
// runtime condition.
func (r *Registry) LookupSubscription(key RoutingKey) (*Subscription, bool) {
	if !r.frozen.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	sub, ok := r.subscriptions[key]
	return sub, ok
}

// SubscribedTopics returns the sorted topics subscribed on pubsub.
func (r *Registry) SubscribedTopics(pubsub string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range r.subscriptions {
		if key.PubSub == pubsub {
			seen[key.Topic] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// PubSubs returns the sorted pubsub names that have at least one subscription.
func (r *Registry) PubSubs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for key := range r.subscriptions {
		seen[key.PubSub] = struct{}{}
	}
	return sortedKeys(seen)
}

// Subscriptions returns all subscriptions ordered by routing key.
func (r *Registry) Subscriptions() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*Subscription, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Key.String() < subs[j].Key.String()
	})
	return subs
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
