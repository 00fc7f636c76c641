// Package kafka provides the partitioned-log backend for eventflow on top of
// franz-go. Consuming is driven by Manager; failed events are republished to
// their topic through a dedicated low-latency producer.
package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	cloudeventspkg "github.com/drblury/eventflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	deliverypkg "github.com/drblury/eventflow/internal/runtime/delivery"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	redeliverypkg "github.com/drblury/eventflow/internal/runtime/redelivery"
	"github.com/drblury/eventflow/transport"
)

// TransportName is the backend type this package registers.
const TransportName = configpkg.TypeKafka

// Producer is the part of *kgo.Client used for producing.
type Producer interface {
	ProduceSync(ctx context.Context, records ...*kgo.Record) kgo.ProduceResults
	Close()
}

// ProducerFactory allows overriding the producer creation for testing.
var ProducerFactory = func(opts ...kgo.Opt) (Producer, error) {
	return kgo.NewClient(opts...)
}

// ClientFactory allows overriding the consumer group client creation for testing.
var ClientFactory = func(cfg configpkg.KafkaConfig, topics []string, logger loggingpkg.ServiceLogger) (Client, error) {
	return NewFranzClient(cfg, topics, logger)
}

func init() {
	Register()
}

// Register registers the Kafka backend with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// Backend publishes to and consumes from Kafka.
type Backend struct {
	name        string
	cfg         configpkg.KafkaConfig
	producer    Producer
	republisher Producer
	deps        transport.Deps
}

// Build creates the producers of a Kafka backend. Consumer group clients are
// created per NewConsumer.
func Build(ctx context.Context, name string, cfg configpkg.PubSubConfig, deps transport.Deps) (transport.Backend, error) {
	deps = deps.WithDefaults()
	kcfg := cfg.Kafka
	if len(kcfg.Brokers) == 0 {
		return nil, fmt.Errorf("pubsub %q: kafka brokers are required", name)
	}
	logger := deps.Logger.With(loggingpkg.LogFields{"pubsub": name})

	producer, err := ProducerFactory(producerOpts(kcfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	republisher, err := ProducerFactory(republisherOpts(kcfg, logger)...)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("create kafka redelivery producer: %w", err)
	}

	logger.Info("Created Kafka backend", loggingpkg.LogFields{
		"brokers":        strings.Join(kcfg.Brokers, ","),
		"consumer_group": kcfg.ConsumerGroup,
		"acks":           kcfg.Acks,
	})
	return &Backend{
		name:        name,
		cfg:         kcfg,
		producer:    producer,
		republisher: republisher,
		deps:        deps,
	}, nil
}

func baseOpts(cfg configpkg.KafkaConfig, logger loggingpkg.ServiceLogger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.WithLogger(newKgoLogger(logger)),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	return opts
}

func producerOpts(cfg configpkg.KafkaConfig, logger loggingpkg.ServiceLogger) []kgo.Opt {
	acks := requiredAcks(cfg.Acks)
	opts := append(baseOpts(cfg, logger), kgo.RequiredAcks(acks))
	if acks != kgo.AllISRAcks() {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if cfg.Linger > 0 {
		opts = append(opts, kgo.ProducerLinger(cfg.Linger))
	}
	if cfg.BatchMaxBytes > 0 {
		opts = append(opts, kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes))
	}
	return opts
}

// republisherOpts trades durability for latency: a redelivered event still
// sits in the log behind the record being retried.
func republisherOpts(cfg configpkg.KafkaConfig, logger loggingpkg.ServiceLogger) []kgo.Opt {
	return append(baseOpts(cfg, logger),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
		kgo.ProducerLinger(0),
	)
}

func requiredAcks(acks string) kgo.Acks {
	switch strings.ToLower(acks) {
	case "leader", "1":
		return kgo.LeaderAck()
	case "none", "0":
		return kgo.NoAck()
	default:
		return kgo.AllISRAcks()
	}
}

// Publish produces msg and waits for the configured acknowledgement.
func (b *Backend) Publish(ctx context.Context, topic string, msg transport.Message) error {
	return produce(ctx, b.producer, topic, msg)
}

// Republish implements redelivery.Republisher on the low-latency producer.
func (b *Backend) Republish(ctx context.Context, topic string, key []byte, evt cloudeventspkg.Event) error {
	msg, err := transport.EventMessage(evt, key)
	if err != nil {
		return err
	}
	return produce(ctx, b.republisher, topic, msg)
}

func produce(ctx context.Context, producer Producer, topic string, msg transport.Message) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   msg.Key,
		Value: msg.Payload,
	}
	for _, key := range msg.Headers.Keys() {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: key, Value: []byte(msg.Headers[key])})
	}
	if err := producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// NewConsumer joins the consumer group for cs.Topics.
func (b *Backend) NewConsumer(cs transport.ConsumerSpec) (transport.Consumer, error) {
	logger := b.deps.Logger.With(loggingpkg.LogFields{"pubsub": b.name})
	client, err := ClientFactory(b.cfg, cs.Topics, logger)
	if err != nil {
		return nil, err
	}
	policy := redeliverypkg.NewRetrier(b.cfg.MaxRetries, b, cs.DeadLetters, b.deps.Logger, b.deps.Telemetry)
	processor := deliverypkg.NewProcessor(cs.Router, policy, b.deps.Logger, b.deps.Telemetry)
	return NewManager(client, ManagerConfig{
		PubSub:         b.name,
		MaxInFlight:    b.cfg.MaxInFlight,
		CommitInterval: b.cfg.CommitInterval,
	}, processor, b.deps.Logger, b.deps.Telemetry), nil
}

// Close closes both producers.
func (b *Backend) Close() error {
	b.producer.Close()
	b.republisher.Close()
	return nil
}
