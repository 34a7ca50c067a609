package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across adapters and the pipeline.
var (
	ErrCircuitOpen    = errors.New("circuit open")
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrSecretNotFound = errors.New("secret not found")
	ErrEmptyBody      = errors.New("empty body")
)

// ErrorClass classifies an external failure for retry decisions.
type ErrorClass int

const (
	// ClassTransient errors (network, timeout, 429, 5xx) are retried.
	ClassTransient ErrorClass = iota
	// ClassPermanent errors (400, 403, 404, validation, parse) are surfaced
	// without retry.
	ClassPermanent
	// ClassCritical errors (401, invalid credentials) fail fast, trip the
	// breaker, and halt new fetches.
	ClassCritical
)

// String returns the lowercase class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Classified wraps an error with its retry classification and optional
// transport hints. Adapters classify; the retry executor acts on the
// classification; the controller maps unrecovered failures to DLQ entries.
type Classified struct {
	Class      ErrorClass
	HTTPStatus int
	RetryAfter time.Duration
	Err        error
}

func (e *Classified) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Classified) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) *Classified { return &Classified{Class: ClassTransient, Err: err} }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) *Classified { return &Classified{Class: ClassPermanent, Err: err} }

// Critical wraps err as a fail-fast failure.
func Critical(err error) *Classified { return &Classified{Class: ClassCritical, Err: err} }

// Classify returns the classification of err. Unclassified errors default to
// Transient: unknown failures from external services are assumed to be
// network-shaped until an adapter says otherwise.
func Classify(err error) ErrorClass {
	var ce *Classified
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}

// RetryAfterHint returns the Retry-After duration carried by err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ce *Classified
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter, true
	}
	return 0, false
}

// HTTPStatusOf returns the HTTP status carried by err, or 0.
func HTTPStatusOf(err error) int {
	var ce *Classified
	if errors.As(err, &ce) {
		return ce.HTTPStatus
	}
	return 0
}

// Severity grades an ErrorRecord for operators; it is orthogonal to the
// retry classification.
type Severity string

// Severity levels.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityFor maps an error classification to an operator severity.
func SeverityFor(class ErrorClass) Severity {
	switch class {
	case ClassCritical:
		return SeverityCritical
	case ClassPermanent:
		return SeverityMedium
	default:
		return SeverityMedium
	}
}
