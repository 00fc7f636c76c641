package cloudevents

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldDeadLetter(t *testing.T) {
	assert.False(t, ShouldDeadLetter(nil))
	assert.False(t, ShouldDeadLetter(errors.New("boom")))
	assert.True(t, ShouldDeadLetter(ErrDeadLetter))
	assert.True(t, ShouldDeadLetter(fmt.Errorf("handler: %w", ErrDeadLetter)))
	assert.True(t, ShouldDeadLetter(ErrDeadLetterWithReason("duplicate payment", nil)))
}

func TestDeadLetterError(t *testing.T) {
	cause := errors.New("card declined")
	err := ErrDeadLetterWithReason("payment rejected", cause)

	assert.Equal(t, "eventflow: dead letter (payment rejected): card declined", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrDeadLetter)
	assert.Equal(t, "eventflow: dead letter (payment rejected)", ErrDeadLetterWithReason("payment rejected", nil).Error())
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "", FailureReason(nil))
	assert.Equal(t, "boom", FailureReason(errors.New("boom")))
	assert.Equal(t, "bad input", FailureReason(fmt.Errorf("wrap: %w", ErrDeadLetterWithReason("bad input", nil))))
}
