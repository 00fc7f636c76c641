package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	redeliverypkg "github.com/drblury/eventflow/internal/runtime/redelivery"
	registrypkg "github.com/drblury/eventflow/internal/runtime/registry"
	telemetrypkg "github.com/drblury/eventflow/internal/runtime/telemetry"
	"github.com/drblury/eventflow/transport"
)

// EngineDependencies holds the optional collaborators of an Engine. Leave
// fields nil to use the defaults.
type EngineDependencies struct {
	// Telemetry defaults to one registering on the Prometheus default
	// registry and tracing through the global tracer provider.
	Telemetry *telemetrypkg.Telemetry
	// Hooks are merged into the telemetry created when Telemetry is nil.
	Hooks telemetrypkg.Hooks
	// Transports defaults to transport.DefaultRegistry.
	Transports *transport.Registry
}

// Engine owns the registry, one backend per configured pubsub and the
// consumers of every pubsub with subscriptions.
type Engine struct {
	Conf   configpkg.Config
	Logger loggingpkg.ServiceLogger

	registry    *registrypkg.Registry
	telemetry   *telemetrypkg.Telemetry
	deadLetters *redeliverypkg.DeadLetterer

	backends map[string]transport.Backend

	mu      sync.RWMutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	stopOnce sync.Once

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex

	resourceTracker *resourceTracker
}

// NewEngine validates conf and builds a backend for every configured pubsub.
// Register payload types and subscriptions on the returned Engine before
// calling Start. Publishing works right away.
func NewEngine(ctx context.Context, conf configpkg.Config, log loggingpkg.ServiceLogger, deps EngineDependencies) (*Engine, error) {
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log = loggingpkg.OrNop(log)
	log.Info("Creating event engine", loggingpkg.LogFields{"config": conf.String()})

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetrypkg.New(telemetrypkg.WithHooks(deps.Hooks))
	}
	if err := tel.Metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	transports := deps.Transports
	if transports == nil {
		transports = transport.DefaultRegistry
	}

	e := &Engine{
		Conf:            conf,
		Logger:          log,
		registry:        registrypkg.New(registrypkg.DefaultsFromConfig(conf), log),
		telemetry:       tel,
		backends:        make(map[string]transport.Backend, len(conf.PubSubs)),
		resourceTracker: newResourceTracker(),
	}
	e.deadLetters = redeliverypkg.NewDeadLetterer(e, log, tel)

	backendDeps := transport.Deps{Logger: log, Telemetry: tel}
	for _, name := range sortedPubSubs(conf.PubSubs) {
		backend, err := transports.Build(ctx, name, conf.PubSubs[name], backendDeps)
		if err != nil {
			return nil, errors.Join(err, e.closeBackends())
		}
		e.backends[name] = backend
	}

	return e, nil
}

// Registry exposes the routing registry.
func (e *Engine) Registry() *registrypkg.Registry {
	return e.registry
}

// Telemetry exposes the engine's metrics, hooks and statistics.
func (e *Engine) Telemetry() *telemetrypkg.Telemetry {
	return e.telemetry
}

// Register records the routing metadata of T without subscribing to it.
func Register[T any](e *Engine, template registrypkg.RoutingKey) (registrypkg.RoutingKey, error) {
	return registrypkg.Register[T](e.registry, template)
}

// Subscribe binds handler to the routing key of T.
func Subscribe[T any](e *Engine, handler handlerpkg.EventHandler[T], opts ...registrypkg.SubscriptionOption) (registrypkg.RoutingKey, error) {
	return registrypkg.Subscribe(e.registry, handler, opts...)
}

// Start freezes the registry and runs a consumer for every pubsub with
// subscriptions until ctx is cancelled, Stop is called or a consumer fails.
// In-flight handlers complete and progress is flushed before Start returns.
// Publishers stay open until Stop.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, consumers, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer close(e.done)

	if e.Conf.MetricsEnabled {
		e.RegisterHTTPHandler(e.Conf.MetricsPort, "/metrics", e.telemetry.Metrics.Handler())
		e.RegisterHTTPHandler(e.Conf.MetricsPort, "/stats", http.HandlerFunc(e.handleGetStats))
	}
	e.startHTTPServers()

	e.Logger.Info("Starting event engine", loggingpkg.LogFields{
		"consumers":     len(consumers),
		"subscriptions": len(e.registry.Subscriptions()),
	})

	group, groupCtx := errgroup.WithContext(runCtx)
	for name, consumer := range consumers {
		group.Go(func() error {
			if err := consumer.Run(groupCtx); err != nil {
				return fmt.Errorf("consumer %s: %w", name, err)
			}
			return nil
		})
	}
	err = group.Wait()
	if err != nil {
		e.Logger.Error("Event engine stopped with error", err, nil)
	} else {
		e.Logger.Info("Event engine stopped", nil)
	}
	return err
}

func (e *Engine) begin(ctx context.Context) (context.Context, map[string]transport.Consumer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, errspkg.ErrEngineStopped
	}
	if e.running {
		return nil, nil, errspkg.ErrEngineRunning
	}

	e.registry.Freeze()

	consumers := make(map[string]transport.Consumer)
	for _, name := range e.registry.PubSubs() {
		backend, ok := e.backends[name]
		if !ok {
			err := fmt.Errorf("subscriptions on pubsub %q: %w", name, errspkg.ErrUnknownPubSub)
			return nil, nil, errors.Join(err, closeConsumers(consumers))
		}
		consumer, err := backend.NewConsumer(transport.ConsumerSpec{
			Topics:      e.registry.SubscribedTopics(name),
			Router:      e.registry,
			DeadLetters: e.deadLetters,
		})
		if err != nil {
			err = fmt.Errorf("create consumer for pubsub %q: %w", name, err)
			return nil, nil, errors.Join(err, closeConsumers(consumers))
		}
		consumers[name] = consumer
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	return runCtx, consumers, nil
}

// Stop shuts the engine down: consumers drain and flush their progress,
// then the HTTP servers and publishers are closed. Only the first call has
// an effect. If ctx ends before the consumers are drained, publishers are
// closed anyway and ctx's error is returned.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.mu.Lock()
		cancel, done := e.cancel, e.done
		e.mu.Unlock()

		if cancel != nil {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				err = fmt.Errorf("wait for consumers: %w", ctx.Err())
			}
		}

		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		err = errors.Join(err, e.stopHTTPServers(ctx), e.closeBackends())
	})
	return err
}

// closeConsumers releases consumers that were created but never run.
func closeConsumers(consumers map[string]transport.Consumer) error {
	var errs []error
	for _, name := range sortedPubSubs(consumers) {
		if err := consumers[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) closeBackends() error {
	var errs []error
	for _, name := range sortedPubSubs(e.backends) {
		if err := e.backends[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) backend(pubsub string) (transport.Backend, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, errspkg.ErrEngineStopped
	}

	backend, ok := e.backends[pubsub]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownPubSub, pubsub)
	}
	return backend, nil
}

func sortedPubSubs[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
