// Package toolerr defines the error taxonomy shared across the gateway.
//
// Every error that crosses a component boundary carries a machine-readable
// Kind and a human-readable reason. Callers classify with KindOf and
// Retryable instead of string matching.
package toolerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies an error class. Kinds are stable wire values: they appear
// in API responses, audit events, and metrics labels.
type Kind string

const (
	KindAuthFailed          Kind = "auth_failed"
	KindPermissionDenied    Kind = "permission_denied"
	KindValidationFailed    Kind = "validation_failed"
	KindRateLimited         Kind = "rate_limited"
	KindPolicyUnavailable   Kind = "policy_unavailable"
	KindCircuitOpen         Kind = "circuit_open"
	KindDeadlineExceeded    Kind = "deadline_exceeded"
	KindCancelled           Kind = "cancelled"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindProviderError       Kind = "provider_error"
	KindTransportReset      Kind = "transport_reset"
	KindDiscoveryFailed     Kind = "discovery_failed"
	KindInternal            Kind = "internal_error"
)

// Error is a classified error with a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

// E constructs a classified error.
func E(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Ef constructs a classified error with a formatted reason.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap constructs a classified error that preserves the underlying cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind from an error chain. Context errors map to
// deadline_exceeded / cancelled; anything unclassified is internal_error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// ReasonOf extracts the human-readable reason, falling back to the error text.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return err.Error()
}

// Retryable reports whether the error class is a transient transport failure
// that the resilience stack may retry. Permission, validation, and provider
// errors are terminal. Caller cancellation is never retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindDeadlineExceeded, KindUpstreamUnavailable, KindTransportReset:
		return true
	case KindCancelled:
		return false
	default:
		return false
	}
}

// CountsAsBreakerFailure reports whether the error should trip a circuit
// breaker. Denials and validation failures are healthy downstream responses.
func CountsAsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindPermissionDenied, KindValidationFailed, KindProviderError,
		KindAuthFailed, KindRateLimited, KindCancelled:
		return false
	default:
		return true
	}
}
