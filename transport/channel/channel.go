// Package channel provides the in-process Go channel backend for eventflow.
// It consumes as well as publishes, which makes it useful for tests and
// local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/transport"
)

// TransportName is the backend type this package registers.
const TransportName = configpkg.TypeChannel

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel backend with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel backend.
func Build(ctx context.Context, name string, cfg configpkg.PubSubConfig, deps transport.Deps) (transport.Backend, error) {
	deps = deps.WithDefaults()
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: cfg.Channel.BufferSize,
		Persistent:          cfg.Channel.Persistent,
	}, loggingpkg.NewWatermillAdapter(deps.Logger))

	return transport.NewWatermillBackend(name, pub, deps,
		transport.WithSubscriber(sub, cfg.Channel.MaxRetries),
	), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
