// Package transports imports all built-in backends for auto-registration.
// Import this package to have every backend registered with the default registry.
package transports

import (
	// Import all backends for side-effect registration
	_ "github.com/drblury/eventflow/transport/aws"
	_ "github.com/drblury/eventflow/transport/channel"
	_ "github.com/drblury/eventflow/transport/http"
	_ "github.com/drblury/eventflow/transport/kafka"
	_ "github.com/drblury/eventflow/transport/nats"
	_ "github.com/drblury/eventflow/transport/rabbitmq"
	_ "github.com/drblury/eventflow/transport/redisstream"
)
