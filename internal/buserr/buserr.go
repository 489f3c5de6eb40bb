// Package buserr defines the error taxonomy shared by every component.
//
// Components recover locally from all non-fatal codes and never re-throw
// across the bus; failures surface as audit.log events carrying the code.
package buserr

import (
	"errors"
	"fmt"
)

// Code classifies a failure for routing, retry and audit purposes.
type Code string

const (
	// Validation — input missing or malformed. Non-retriable.
	Validation Code = "validation"

	// IdempotentDuplicate — the event was already processed. Benign drop.
	IdempotentDuplicate Code = "idempotent_duplicate"

	// StateMissing — required derived state not yet observed. Defer or
	// reject with reason.
	StateMissing Code = "state_missing"

	// PolicyViolation — a hard or soft policy cap was breached.
	PolicyViolation Code = "policy_violation"

	// Backpressure — queue or in-flight limits engaged. Adaptive
	// degradation, never a crash.
	Backpressure Code = "backpressure"

	// ResourceExhausted — a sink or buffer is full. Retried with backoff,
	// dead-lettered on exhaustion.
	ResourceExhausted Code = "resource_exhausted"

	// Fatal — unrecoverable init failure. The only code that may exit the
	// process.
	Fatal Code = "fatal"
)

// Error is a classified error. Wraps an optional cause.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	s := string(e.Code)
	if e.Op != "" {
		s += ": " + e.Op
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether the failure may succeed on retry.
func (e *Error) Retriable() bool {
	switch e.Code {
	case Backpressure, ResourceExhausted:
		return true
	default:
		return false
	}
}

// New builds a classified error.
func New(code Code, op, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operation to an underlying cause.
func Wrap(code Code, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the taxonomy code from any error chain. Unclassified
// errors report Fatal=false semantics via the zero Code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
