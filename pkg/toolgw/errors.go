// Package toolgw is the validating, idempotent gateway every external tool
// operation goes through. An invocation runs a fixed pipeline (existence,
// authorization, schema, business rules, rate limit, idempotency, execution,
// result validation) short-circuiting on the first failure. Only timeouts,
// rate limits, and transient network faults are retried; validation and
// authorization failures never are.
package toolgw

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the gateway failure taxonomy.
type ErrorKind string

const (
	KindUnknownTool           ErrorKind = "unknown_tool"
	KindAuthorization         ErrorKind = "authorization_error"
	KindValidation            ErrorKind = "validation_error"
	KindBusinessRuleViolation ErrorKind = "business_rule_violation"
	KindRateLimited           ErrorKind = "rate_limited"
	KindIdempotencyConflict   ErrorKind = "idempotency_conflict"
	KindTimeout               ErrorKind = "timeout"
	KindTransientNetwork      ErrorKind = "transient_network"
	KindExecution             ErrorKind = "execution_error"
	KindCancelled             ErrorKind = "cancelled"
	KindUnrecoverable         ErrorKind = "unrecoverable"
)

// Error is the structured gateway rejection surfaced to the engine.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // set for rate_limited
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the gateway may retry this failure locally.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindTransientNetwork:
		return true
	default:
		return false
	}
}

func gwErr(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind from any error chain, defaulting to
// execution_error for plain errors.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindExecution
}
