package transport

// Capabilities describes the features supported by a backend.
type Capabilities struct {
	// SupportsConsume indicates the backend can run consumers; publish-only
	// backends serve as publish targets and dead-letter destinations.
	SupportsConsume bool

	// SupportsOrdering indicates records within a partition or stream are
	// delivered in order.
	SupportsOrdering bool

	// SupportsPartitioning indicates the backend routes by partition key.
	SupportsPartitioning bool

	// SupportsAck indicates the backend tracks per-message acknowledgment.
	SupportsAck bool

	// SupportsRedelivery indicates unacknowledged messages are handed out
	// again by the broker itself.
	SupportsRedelivery bool

	// SupportsTracing indicates headers travel with the message.
	SupportsTracing bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the backend type.
	Name string
}

// SupportsReliableDelivery returns true if the backend provides
// at-least-once delivery on its own.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsRedelivery
}

// Predefined capability sets.
var (
	// KafkaCapabilities for the franz-go partitioned-log backend.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsConsume:      true,
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsAck:          true,
		SupportsRedelivery:   false,
		SupportsTracing:      true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RedisStreamCapabilities for the Redis Streams consumer-group backend.
	RedisStreamCapabilities = Capabilities{
		Name:               "redis-stream",
		SupportsConsume:    true,
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsRedelivery: true,
		SupportsTracing:    true,
		MaxMessageSize:     536870912, // 512MB string limit
	}

	// ChannelCapabilities for the in-process Go channel backend.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsConsume:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsTracing:  true,
	}

	// RabbitMQCapabilities for the AMQP sink.
	RabbitMQCapabilities = Capabilities{
		Name:            "rabbitmq",
		SupportsTracing: true,
	}

	// NATSCapabilities for the NATS Core sink.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// HTTPCapabilities for the webhook sink.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	// AWSCapabilities for the SNS sink.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsTracing: true,
		MaxMessageSize:  262144, // 256KB
	}
)

// GetCapabilities returns the capabilities for a backend type from the
// default registry.
func GetCapabilities(typ string) Capabilities {
	return DefaultRegistry.GetCapabilities(typ)
}
