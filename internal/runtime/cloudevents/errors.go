package cloudevents

import (
	"errors"
	"fmt"
)

// ErrDeadLetter can be returned (or wrapped) by a handler to forward the event
// to its dead-letter destination right away, skipping any remaining retries.
var ErrDeadLetter = errors.New("eventflow: send to dead letter")

// DeadLetterError is ErrDeadLetter with a reason that ends up in the
// dead-letter wrapper.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// ErrDeadLetterWithReason creates a DeadLetterError.
//
// Example:
//
//	return cloudevents.ErrDeadLetterWithReason("payment already captured", nil)
func ErrDeadLetterWithReason(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("eventflow: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("eventflow: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrDeadLetter) true for every DeadLetterError.
func (e *DeadLetterError) Is(target error) bool {
	return target == ErrDeadLetter
}

// ShouldDeadLetter reports whether a handler error requests dead-lettering.
func ShouldDeadLetter(err error) bool {
	return err != nil && errors.Is(err, ErrDeadLetter)
}

// FailureReason renders the reason recorded in a dead-letter wrapper.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var dl *DeadLetterError
	if errors.As(err, &dl) && dl.Reason != "" {
		return dl.Reason
	}
	return err.Error()
}
