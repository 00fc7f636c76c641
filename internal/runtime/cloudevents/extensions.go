package cloudevents

// Extension keys used by the engine.
const (
	// ExtRetry counts how many times the event was republished after a
	// handler failure. Absent means 0.
	ExtRetry = "retry"

	// ExtTraceParent carries the W3C traceparent header.
	ExtTraceParent = "traceparent"

	// ExtTraceState carries the W3C tracestate header.
	ExtTraceState = "tracestate"
)

// GetRetry returns the redelivery counter, defaulting to 0.
func GetRetry(evt Event) int {
	n := evt.GetExtensionInt(ExtRetry)
	if n < 0 {
		return 0
	}
	return n
}

// SetRetry sets the redelivery counter.
func SetRetry(evt *Event, n int) {
	evt.SetExtension(ExtRetry, n)
}

// GetTraceParent returns the traceparent extension or "".
func GetTraceParent(evt Event) string {
	return evt.GetExtensionString(ExtTraceParent)
}

// GetTraceState returns the tracestate extension or "".
func GetTraceState(evt Event) string {
	return evt.GetExtensionString(ExtTraceState)
}

// ExtensionCarrier adapts an event's extensions to the
// propagation.TextMapCarrier shape (Get, Set, Keys) so trace context can be
// injected into and extracted from envelopes.
type ExtensionCarrier struct {
	Event *Event
}

func (c ExtensionCarrier) Get(key string) string {
	return c.Event.GetExtensionString(key)
}

func (c ExtensionCarrier) Set(key, value string) {
	c.Event.SetExtension(key, value)
}

func (c ExtensionCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Event.Extensions))
	for k := range c.Event.Extensions {
		keys = append(keys, k)
	}
	return keys
}
