// Package redisstream provides the Redis Streams consumer-group backend for
// eventflow. Every topic is a stream; failed entries stay pending and are
// reclaimed after the processing timeout.
package redisstream

import (
	"context"
	"fmt"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	deliverypkg "github.com/drblury/eventflow/internal/runtime/delivery"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	redeliverypkg "github.com/drblury/eventflow/internal/runtime/redelivery"
	"github.com/drblury/eventflow/transport"
)

// TransportName is the backend type this package registers.
const TransportName = configpkg.TypeRedisStream

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(cfg configpkg.StreamConfig) (Client, error) {
	return NewGoRedisClient(cfg)
}

func init() {
	Register()
}

// Register registers the Redis Streams backend with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RedisStreamCapabilities)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.RedisStreamCapabilities
}

// Backend publishes with XADD and consumes through a Manager that owns a
// dedicated client.
type Backend struct {
	name   string
	cfg    configpkg.StreamConfig
	client Client
	deps   transport.Deps
}

// Build creates the publishing client of a Redis Streams backend.
func Build(ctx context.Context, name string, cfg configpkg.PubSubConfig, deps transport.Deps) (transport.Backend, error) {
	deps = deps.WithDefaults()
	scfg := withDefaults(cfg.Stream)

	client, err := ClientFactory(scfg)
	if err != nil {
		return nil, fmt.Errorf("pubsub %q: %w", name, err)
	}
	deps.Logger.Info("Created Redis stream backend", loggingpkg.LogFields{
		"pubsub":   name,
		"group":    scfg.ConsumerGroup,
		"consumer": scfg.ConsumerName,
	})
	return &Backend{name: name, cfg: scfg, client: client, deps: deps}, nil
}

func withDefaults(cfg configpkg.StreamConfig) configpkg.StreamConfig {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "eventflow"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = idspkg.ConsumerName(cfg.ConsumerGroup)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = configpkg.DefaultStreamBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = configpkg.DefaultStreamPollPeriod
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = configpkg.DefaultProcessingTimeout
	}
	return cfg
}

// Publish appends msg to the topic stream. The event headers become entry
// fields next to the envelope and partition key.
func (b *Backend) Publish(ctx context.Context, topic string, msg transport.Message) error {
	values := make(map[string]any, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		values[k] = v
	}
	values[FieldData] = string(msg.Payload)
	if len(msg.Key) > 0 {
		values[FieldKey] = string(msg.Key)
	}
	if _, err := b.client.Add(ctx, topic, b.cfg.MaxLen, values); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", b.name, topic, err)
	}
	return nil
}

// NewConsumer joins the consumer group on cs.Topics with its own client.
func (b *Backend) NewConsumer(cs transport.ConsumerSpec) (transport.Consumer, error) {
	client, err := ClientFactory(b.cfg)
	if err != nil {
		return nil, fmt.Errorf("pubsub %q: %w", b.name, err)
	}
	policy := redeliverypkg.NewStreamPolicy(b.cfg.MaxDeliveries, cs.DeadLetters, b.deps.Logger, b.deps.Telemetry)
	processor := deliverypkg.NewProcessor(cs.Router, policy, b.deps.Logger, b.deps.Telemetry)
	return NewManager(client, cs.Topics, ManagerConfig{
		PubSub:            b.name,
		Group:             b.cfg.ConsumerGroup,
		Consumer:          b.cfg.ConsumerName,
		BatchSize:         b.cfg.BatchSize,
		PollInterval:      b.cfg.PollInterval,
		ProcessingTimeout: b.cfg.ProcessingTimeout,
		MaxInFlight:       b.cfg.MaxInFlight,
	}, processor, b.deps.Logger, b.deps.Telemetry), nil
}

// Close closes the publishing client.
func (b *Backend) Close() error {
	return b.client.Close()
}
