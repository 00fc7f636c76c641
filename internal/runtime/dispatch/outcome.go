// Package dispatch holds the per-partition ordering machinery: work items
// that run a delivery at most once, and single-consumer queues that await
// them in arrival order and track the resulting checkpoint.
package dispatch

// Outcome is the terminal result of a delivery.
type Outcome int32

const (
	// Success means the handler accepted the event, or the event was not
	// routable and was skipped.
	Success Outcome = iota
	// Failed means the handler failed and the broker-specific policy left
	// the event for another attempt.
	Failed
	// SentToDeadLetter means the event was forwarded to its dead-letter
	// destination.
	SentToDeadLetter
	// Dropped means the redelivery policy gave up on the event.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case SentToDeadLetter:
		return "dead_lettered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Settled reports whether the broker may forget the event: everything but
// Failed.
func (o Outcome) Settled() bool {
	return o != Failed
}

// State is the lifecycle position of a WorkItem.
type State int32

const (
	Received State = iota
	Started
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Started:
		return "started"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Position locates a delivery in its partition or stream. Kafka uses Offset,
// Redis streams use ID.
type Position struct {
	Offset int64
	ID     string
}
