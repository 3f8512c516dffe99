package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestValidationError(t *testing.T) {
	err := NewValidationError("to", "invalid address")

	assert.EqualError(t, err, "validation: to: invalid address")
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, fmt.Errorf("enqueue: %w", err), ErrValidation)

	var verr *ValidationError
	assert.True(t, As(err, &verr))
	assert.Equal(t, "to", verr.Field)
}

func TestBrokerError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewBrokerError("lease", "email", cause)

	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "lease")
	assert.Contains(t, err.Error(), "email")
}

func TestHandlerError(t *testing.T) {
	cause := errors.New("smtp 421")

	retry := NewHandlerError("email", "welcome", true, cause)
	assert.True(t, IsRetryable(retry))
	assert.ErrorIs(t, retry, cause)

	permanent := NewHandlerError("email", "welcome", false, cause)
	assert.False(t, IsRetryable(permanent))
	assert.False(t, IsRetryable(cause))
}

func TestConnectionError(t *testing.T) {
	err := NewConnectionError("redis://localhost:6379", timeoutErr{})

	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsTimeout(timeoutErr{}))
	assert.False(t, IsTimeout(NewConnectionError("amqp://localhost", errors.New("refused"))))
	assert.False(t, IsTimeout(errors.New("boom")))
}

func TestJoin(t *testing.T) {
	assert.NoError(t, Join(nil, nil))

	err := Join(ErrLeaseLost, nil, ErrShutdownTimeout)
	assert.True(t, Is(err, ErrLeaseLost))
	assert.True(t, Is(err, ErrShutdownTimeout))
}
