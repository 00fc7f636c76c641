package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
)

// Registry maintains a mapping of backend types to their builders and capabilities.
// Backend packages register themselves using Register.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global backend registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a builder for a backend type (the PubSubConfig.Type value).
func (r *Registry) Register(typ string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(typ)] = builder
}

// RegisterWithCapabilities adds a builder and its capabilities.
func (r *Registry) RegisterWithCapabilities(typ string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	typ = strings.ToLower(typ)
	r.builders[typ] = builder
	r.capabilities[typ] = caps
}

// GetCapabilities returns the capabilities of a registered backend type, or
// a zero Capabilities carrying only the name.
func (r *Registry) GetCapabilities(typ string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[strings.ToLower(typ)]; ok {
		return caps
	}
	return Capabilities{Name: typ}
}

// Build creates the backend for cfg.Type.
func (r *Registry) Build(ctx context.Context, name string, cfg configpkg.PubSubConfig, deps Deps) (Backend, error) {
	typ := strings.ToLower(cfg.Type)

	r.mu.RLock()
	builder, ok := r.builders[typ]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("pubsub %q: %w: backend type %q (registered: %v)", name, errspkg.ErrUnknownPubSub, cfg.Type, r.Names())
	}

	backend, err := builder(ctx, name, cfg, deps.WithDefaults())
	if err != nil {
		return nil, fmt.Errorf("build pubsub %q (%s): %w", name, typ, err)
	}
	return backend, nil
}

// Names returns the sorted registered backend types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a backend type is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[strings.ToLower(typ)]
	return ok
}

// Register adds a builder to the default registry.
func Register(typ string, builder Builder) {
	DefaultRegistry.Register(typ, builder)
}

// RegisterWithCapabilities adds a builder and its capabilities to the default registry.
func RegisterWithCapabilities(typ string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(typ, builder, caps)
}

// Build creates a backend using the default registry.
func Build(ctx context.Context, name string, cfg configpkg.PubSubConfig, deps Deps) (Backend, error) {
	return DefaultRegistry.Build(ctx, name, cfg, deps)
}
