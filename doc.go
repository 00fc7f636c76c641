// Package eventflow delivers CloudEvents-shaped events from pluggable brokers
// to typed in-process handlers. Delivery is at-least-once, ordered per
// partition (Kafka) or per stream (Redis Streams), bounded in concurrency
// and backed by retry and dead-letter redelivery.
//
// An Engine is built from Config, which names one or more pub/sub backends.
// Payload types are bound to a RoutingKey (pubsub, topic, event type and
// source) with Register or Subscribe; Publish wraps a payload in an envelope
// routed by its type. Start freezes the registry and runs a consumer per
// subscribed pubsub; Stop drains in-flight handlers, flushes progress and
// closes the publishers.
//
// # Backends
//
//   - kafka: consumer-group consumption with per-partition dispatch queues,
//     offset commits of completed work and retry by republishing
//   - redis-stream: consumer groups with stale entry reclaim
//   - channel: in-memory Go channels for tests and local development
//   - rabbitmq, nats, http, aws: publish-only sinks, typically used as
//     dead-letter destinations
//
// Custom backends register a TransportBuilder with RegisterTransport.
//
// # Failures
//
// A handler error leaves the event for another attempt. On Kafka and the
// channel backend the event is republished with an incremented retry
// extension until the backend's MaxRetries; on Redis Streams the entry stays
// pending and is reclaimed once idle. Exhausted events are forwarded to the
// subscription's dead-letter destination when WithDeadLetter is set, and
// dropped otherwise. Returning ErrDeadLetter skips the remaining attempts.
//
// # Observability
//
// Telemetry bundles Prometheus metrics (served on MetricsPort when
// MetricsEnabled), OpenTelemetry trace propagation through the traceparent
// and tracestate extensions, delivery Hooks and per-subscription statistics
// returned by Engine.Stats.
package eventflow
