/*
Package runtime provides the delivery engine behind eventflow.

# Architecture Overview

An Engine owns a routing registry, one transport.Backend per configured
pubsub and, once started, one consumer per pubsub that has subscriptions.
Consumers turn broker records into work items, enqueue them on a dispatch
queue per partition (Kafka) or per stream (Redis), and let the queue await
them in arrival order so progress is only stored for completed work.

# Package Structure

## Engine (engine.go)

NewEngine validates the configuration and builds the backends. Start freezes
the registry and runs the consumers under an errgroup; a consumer that fails
stops the others. Stop is idempotent: it drains the consumers, shuts down
the HTTP servers and closes the backends.

## Publishing (publish.go)

Publish resolves the routing key of a payload by its Go type, wraps it in a
CloudEvents envelope, injects the trace context and hands it to the backend
of the key's pubsub. PublishEvent publishes pre-built envelopes and serves
as the dead-letter path.

## Stats & Monitoring (server.go, resources.go)

Prometheus metrics and a JSON /stats endpoint are served on MetricsPort when
MetricsEnabled. Stats combines per-subscription delivery counters and
latency percentiles with sampled process resource usage.

# Sub-packages

  - cloudevents/: envelope type, wire codec, dead-letter envelopes
  - config/: engine configuration, validation and viper loading
  - delivery/: the per-record algorithm: decode, route, invoke, classify
  - dispatch/: work items and ordered single-consumer queues
  - errors/: sentinel errors
  - handlers/: typed handler contexts and payload codecs
  - ids/: ULID generation for event ids and consumer names
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: broker header utilities
  - redelivery/: retry, dead-letter and drop policies
  - registry/: routing keys and subscriptions
  - telemetry/: metrics, tracing, hooks and statistics

# Usage Example

	engine, err := eventflow.NewEngine(ctx, eventflow.Config{
		Source: "orders-svc",
		PubSubs: map[string]eventflow.PubSubConfig{
			"kafka": {Type: eventflow.TypeKafka, Kafka: eventflow.KafkaConfig{Brokers: []string{"localhost:9092"}}},
		},
		DefaultTopic:   "orders",
		MetricsEnabled: true,
		MetricsPort:    9090,
	}, logger, eventflow.EngineDependencies{})

	eventflow.Subscribe[OrderPlaced](engine, handleOrder, eventflow.WithDeadLetter())

	go engine.Start(ctx)
	engine.Publish(ctx, OrderPlaced{ID: "o-1"}, eventflow.WithPartitionKey("o-1"))
*/
package runtime
