package models

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError rejects a job request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportError is a network or HTTP-level failure talking to a source.
// Auth failures are not retryable.
type TransportError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateExceededError means the source rejected the call for quota reasons.
type RateExceededError struct {
	RetryAfter time.Duration
}

func (e *RateExceededError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate exceeded, retry after %s", e.RetryAfter)
	}
	return "rate exceeded"
}

// MalformedResponseError is a response body that could not be decoded.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// SinkError is a failure persisting harvested records.
type SinkError struct {
	ExternalID string
	Err        error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink upsert %s: %v", e.ExternalID, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// IsPageRetryable reports whether a page fetch may be retried in place.
func IsPageRetryable(err error) bool {
	var rate *RateExceededError
	if errors.As(err, &rate) {
		return true
	}
	var tr *TransportError
	if errors.As(err, &tr) {
		return tr.Retryable
	}
	return false
}

// EffectiveMaxRetries caps the task retry budget for errors that are
// unlikely to clear on their own.
func EffectiveMaxRetries(err error, maxRetries int) int {
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) && maxRetries > 1 {
		return 1
	}
	var tr *TransportError
	if errors.As(err, &tr) && !tr.Retryable {
		return 0
	}
	return maxRetries
}
