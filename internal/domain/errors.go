package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotConnected  = errors.New("connector not connected")
	ErrClosed        = errors.New("connector closed")
	ErrLockHeld      = errors.New("lock already held")
)

// ConnectionError is a transport-level failure (dial, reset, timeout).
// Retryable.
type ConnectionError struct {
	Exchange string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Exchange, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RateLimitError means the venue throttled the call. Retryable with backoff.
type RateLimitError struct {
	Exchange   string
	RetryAfter string // venue-provided hint, may be empty
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited", e.Exchange)
}

// APIError means the venue accepted the request and rejected it with a code.
// Generally not retried.
type APIError struct {
	Exchange string
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error %s: %s", e.Exchange, e.Code, e.Message)
}

// ValidationError is a bad input (interval, threshold, symbol, size). Never
// retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Retryable reports whether the error belongs to a transient class that the
// retry wrapper may attempt again.
func Retryable(err error) bool {
	var connErr *ConnectionError
	var rateErr *RateLimitError
	return errors.As(err, &connErr) || errors.As(err, &rateErr)
}
