// Package http provides the webhook backend for eventflow. Every event is
// POSTed to the configured base URL with the topic appended.
package http

import (
	"context"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/transport"
)

// TransportName is the backend type this package registers.
const TransportName = configpkg.TypeHTTP

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

func init() {
	Register()
}

// Register registers the webhook backend with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new webhook backend.
func Build(ctx context.Context, name string, cfg configpkg.PubSubConfig, deps transport.Deps) (transport.Backend, error) {
	deps = deps.WithDefaults()
	logger := loggingpkg.NewWatermillAdapter(deps.Logger.With(loggingpkg.LogFields{"pubsub": name}))
	baseURL := cfg.HTTPPublisherURL

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(topicURL(baseURL, topic), msg)
			},
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
	return transport.HTTPCapabilities
}

func topicURL(baseURL, topic string) string {
	if strings.HasSuffix(baseURL, "/") {
		return baseURL + topic
	}
	return baseURL + "/" + topic
}
