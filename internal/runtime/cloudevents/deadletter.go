package cloudevents

import (
	"strings"
	"time"

	jsoncodec "github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

// DeadLetterTypePrefix marks event types that already describe a dead letter.
// Events carrying it are never dead-lettered again.
const DeadLetterTypePrefix = "deadletter."

// DeadLetter is the payload of a dead-letter envelope.
type DeadLetter struct {
	OriginatingPubSub string    `json:"originatingPubsub"`
	OriginatingTopic  string    `json:"originatingTopic"`
	DeadEvent         Event     `json:"deadEvent"`
	DeadTime          time.Time `json:"deadTime"`
	Reason            string    `json:"reason"`
}

// IsDeadLetterType reports whether eventType carries the dead-letter prefix.
func IsDeadLetterType(eventType string) bool {
	return strings.HasPrefix(eventType, DeadLetterTypePrefix)
}

// DeadLetterType returns the routing type of the wrapper for eventType.
func DeadLetterType(eventType string) string {
	if IsDeadLetterType(eventType) {
		return eventType
	}
	return DeadLetterTypePrefix + eventType
}

// NewDeadLetterEvent wraps dead into a dead-letter envelope published with
// the given source.
func NewDeadLetterEvent(source string, dead DeadLetter) (Event, error) {
	if dead.DeadTime.IsZero() {
		dead.DeadTime = time.Now().UTC()
	}
	data, err := jsoncodec.Marshal(dead)
	if err != nil {
		return Event{}, err
	}
	return New(DeadLetterType(dead.DeadEvent.Type), source, data), nil
}

// DecodeDeadLetter reads the wrapper carried in a dead-letter envelope.
func DecodeDeadLetter(evt Event) (DeadLetter, error) {
	var dead DeadLetter
	if err := jsoncodec.Unmarshal(evt.Data, &dead); err != nil {
		return DeadLetter{}, err
	}
	return dead, nil
}
