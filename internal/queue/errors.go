package queue

import (
	"errors"
	"fmt"
)

// Common broker errors.
var (
	// ErrJobNotFound is returned when a job lookup finds no job with the
	// given id in the queue.
	ErrJobNotFound = errors.New("job not found")

	// ErrFlowNotFound is returned when the broker has no flow tree for a
	// root job id, typically because retention evicted the job graph.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrBrokerClosed is returned for operations against a closed broker.
	ErrBrokerClosed = errors.New("broker is closed")

	// ErrRateLimited signals that a job was rejected by admission
	// control. The broker redelivers the job later without consuming a
	// retry attempt; it is not an error in the failure taxonomy.
	ErrRateLimited = errors.New("job rate limited")
)

// UnrecoverableError marks a failure that can never succeed on retry:
// an unknown handler key, a malformed payload, an upstream authorization
// failure. The broker fails the job immediately regardless of attempts
// remaining.
type UnrecoverableError struct {
	err error
}

// Unrecoverable wraps err as an UnrecoverableError.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{err: err}
}

// Unrecoverablef formats an unrecoverable error.
func Unrecoverablef(format string, args ...any) error {
	return &UnrecoverableError{err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *UnrecoverableError) Error() string {
	return "unrecoverable: " + e.err.Error()
}

// Unwrap exposes the wrapped error for errors.Is/As.
func (e *UnrecoverableError) Unwrap() error {
	return e.err
}

// IsUnrecoverable reports whether any error in err's chain is an
// UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}
