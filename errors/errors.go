// Package errors provides error types and utilities for the mailqueue library.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	ErrValidation        = errors.New("validation failed")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrNotConnected      = errors.New("not connected")
	ErrJobNotFound       = errors.New("job not found")
	ErrLeaseLost         = errors.New("job lease lost")
	ErrHandlerNotFound   = errors.New("handler not found")
	ErrAlreadyStarted    = errors.New("engine already started")
	ErrShutdownTimeout   = errors.New("shutdown timeout exceeded")
	ErrStalled           = errors.New("job stalled more than allowable limit")
	ErrEmptyQueueName    = errors.New("queue name cannot be empty")
	ErrNilHandler        = errors.New("handler cannot be nil")
)

// ValidationError is returned when a job is rejected before entering a queue
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Is reports ErrValidation so callers can match without a type assertion
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// BrokerError represents a failure talking to the durable store
type BrokerError struct {
	Op    string // operation being performed
	Queue string // queue name (if applicable)
	Err   error  // underlying error
}

func (e *BrokerError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("broker %s on queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is reports ErrBrokerUnavailable for every broker error
func (e *BrokerError) Is(target error) bool {
	return target == ErrBrokerUnavailable
}

// HandlerError represents a business-logic failure inside a job
type HandlerError struct {
	Queue     string
	Kind      string
	Retryable bool
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s on queue %s: %v", e.Kind, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ConnectionError represents connection-related errors
type ConnectionError struct {
	URI string // connection URI (may be redacted)
	Err error  // underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports ErrBrokerUnavailable; a connection that cannot be made is an unavailable broker
func (e *ConnectionError) Is(target error) bool {
	return target == ErrBrokerUnavailable
}

func (e *ConnectionError) Timeout() bool {
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// Helper functions for creating errors

// NewValidationError creates a new validation error
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NewBrokerError creates a new broker error
func NewBrokerError(op, queue string, err error) error {
	return &BrokerError{Op: op, Queue: queue, Err: err}
}

// NewHandlerError creates a new handler error
func NewHandlerError(queue, kind string, retryable bool, err error) error {
	return &HandlerError{Queue: queue, Kind: kind, Retryable: retryable, Err: err}
}

// NewConnectionError creates a new connection error
func NewConnectionError(uri string, err error) error {
	return &ConnectionError{URI: uri, Err: err}
}

// IsRetryable reports whether err is a handler error marked retryable
func IsRetryable(err error) bool {
	var herr *HandlerError
	if errors.As(err, &herr) {
		return herr.Retryable
	}
	return false
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	if t, ok := err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.Timeout()
	}
	return false
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors, ignoring nils
func Join(errs ...error) error {
	return errors.Join(errs...)
}
