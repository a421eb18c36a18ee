// Package faults defines the error taxonomy shared by the resilience
// substrate and the HTTP layer.
//
// Every failure that crosses a component boundary is classified into a Kind
// so that callers (the retry executor, the circuit breaker, the API envelope
// writer) can decide retryability and user-facing codes without matching on
// message text.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry and presentation decisions.
type Kind int

const (
	// KindInternal is the zero value: an unclassified server-side failure.
	KindInternal Kind = iota

	// KindValidation is bad caller input. Never retried.
	KindValidation

	// KindNotFound is a missing resource or unknown identifier. Never
	// retried; may carry suggestions for the caller.
	KindNotFound

	// KindUpstream is a downstream dependency failure. Retryable.
	KindUpstream

	// KindRateLimit is an explicit throttle from a dependency. Never
	// blindly retried; callers must honor RetryAfter.
	KindRateLimit

	// KindTimeout means an operation exceeded its budget. Retryable.
	KindTimeout

	// KindCircuitOpen is a fail-fast rejection from an open circuit
	// breaker. Not retried by the breaker itself; an outer policy may
	// retry after the breaker's reset timeout.
	KindCircuitOpen
)

// String returns the machine-readable code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindUpstream:
		return "UPSTREAM"
	case KindRateLimit:
		return "RATE_LIMITED"
	case KindTimeout:
		return "TIMEOUT"
	case KindCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "INTERNAL"
	}
}

// Fault is a classified error. It wraps an optional cause so callers can
// use errors.Is/As through it.
type Fault struct {
	Kind    Kind
	Message string
	Cause   error

	// RetryAfter is the backoff hint for KindRateLimit (zero otherwise).
	RetryAfter time.Duration

	// Suggestions are alternative identifiers for KindNotFound, when
	// derivable (e.g. close ticker symbols).
	Suggestions []string
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (f *Fault) Unwrap() error { return f.Cause }

// Validation reports bad caller input.
func Validation(format string, args ...any) error {
	return &Fault{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing resource, optionally with suggestions.
func NotFound(message string, suggestions ...string) error {
	return &Fault{Kind: KindNotFound, Message: message, Suggestions: suggestions}
}

// Upstream wraps a downstream dependency failure.
func Upstream(message string, cause error) error {
	return &Fault{Kind: KindUpstream, Message: message, Cause: cause}
}

// RateLimited reports an explicit throttle with a backoff hint.
func RateLimited(message string, retryAfter time.Duration) error {
	return &Fault{Kind: KindRateLimit, Message: message, RetryAfter: retryAfter}
}

// Timeout reports an exceeded budget, carrying the operation label.
func Timeout(label string, budget time.Duration) error {
	return &Fault{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("%s exceeded %s budget", label, budget),
	}
}

// CircuitOpen reports a fail-fast rejection for the named dependency.
func CircuitOpen(name string) error {
	return &Fault{Kind: KindCircuitOpen, Message: fmt.Sprintf("circuit open for %s", name)}
}

// Internal wraps an unclassified failure.
func Internal(message string, cause error) error {
	return &Fault{Kind: KindInternal, Message: message, Cause: cause}
}

// KindOf returns the Kind of err, walking the wrap chain. Unclassified
// errors report KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// Retryable reports whether a generic retry policy may re-attempt after
// err. Validation, not-found, rate-limit and circuit-open failures are
// terminal for the generic executor.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindRateLimit, KindCircuitOpen:
		return false
	default:
		return true
	}
}

// RetryAfterOf returns the backoff hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var f *Fault
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}

// SuggestionsOf returns the alternative identifiers carried by err, if any.
func SuggestionsOf(err error) []string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Suggestions
	}
	return nil
}
