package cloudevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryDefaultsToZero(t *testing.T) {
	evt := New("Ping", "svc", nil)
	assert.Equal(t, 0, GetRetry(evt))

	SetRetry(&evt, 4)
	assert.Equal(t, 4, GetRetry(evt))

	evt.Extensions[ExtRetry] = float64(2)
	assert.Equal(t, 2, GetRetry(evt), "decoded JSON numbers arrive as float64")

	evt.Extensions[ExtRetry] = "not-a-number"
	assert.Equal(t, 0, GetRetry(evt))

	evt.Extensions[ExtRetry] = -3
	assert.Equal(t, 0, GetRetry(evt))
}

func TestExtensionCarrier(t *testing.T) {
	evt := Event{}
	carrier := ExtensionCarrier{Event: &evt}

	carrier.Set(ExtTraceParent, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	carrier.Set(ExtTraceState, "vendor=1")

	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", GetTraceParent(evt))
	assert.Equal(t, "vendor=1", GetTraceState(evt))
	assert.ElementsMatch(t, []string{ExtTraceParent, ExtTraceState}, carrier.Keys())
	assert.Equal(t, "", carrier.Get("missing"))
}
