// Package nats provides the NATS Core publish-only backend for eventflow.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/transport"
)

// TransportName is the backend type this package registers.
const TransportName = configpkg.TypeNATS

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS backend with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS backend. Topics are used as subjects.
func Build(ctx context.Context, name string, cfg configpkg.PubSubConfig, deps transport.Deps) (transport.Backend, error) {
	deps = deps.WithDefaults()
	logger := loggingpkg.NewWatermillAdapter(deps.Logger.With(loggingpkg.LogFields{"pubsub": name}))

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       cfg.NATSURL,
			Marshaler: &nats.NATSMarshaler{},
			JetStream: nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}
	return transport.NewWatermillBackend(name, publisher, deps), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
