package http

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	"github.com/drblury/eventflow/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "http", caps.Name)
	assert.False(t, caps.SupportsConsume)
	assert.True(t, caps.SupportsTracing)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestTopicURL(t *testing.T) {
	assert.Equal(t, "http://hooks.local/orders", topicURL("http://hooks.local/", "orders"))
	assert.Equal(t, "http://hooks.local/orders", topicURL("http://hooks.local", "orders"))
}

func TestBuildPostsToWebhook(t *testing.T) {
	type request struct {
		path string
		body string
		id   string
	}
	received := make(chan request, 1)
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- request{path: r.URL.Path, body: string(body), id: r.Header.Get(watermillhttp.HeaderUUID)}
		w.WriteHeader(nethttp.StatusOK)
	}))
	defer server.Close()

	backend, err := Build(context.Background(), "hooks", configpkg.PubSubConfig{
		Type:             TransportName,
		HTTPPublisherURL: server.URL,
	}, transport.Deps{})
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.Publish(context.Background(), "orders", transport.Message{
		ID:      "evt-3",
		Payload: []byte(`{"id":"evt-3"}`),
	}))

	got := <-received
	assert.Equal(t, "/orders", got.path)
	assert.Equal(t, `{"id":"evt-3"}`, got.body)
	assert.Equal(t, "evt-3", got.id)

	_, err = backend.NewConsumer(transport.ConsumerSpec{Topics: []string{"orders"}})
	assert.ErrorIs(t, err, transport.ErrConsumeUnsupported)
}

func TestBuildReturnsFactoryError(t *testing.T) {
	original := PublisherFactory
	defer func() { PublisherFactory = original }()

	PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}

	_, err := Build(context.Background(), "hooks", configpkg.PubSubConfig{HTTPPublisherURL: "http://localhost"}, transport.Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher error")
}
