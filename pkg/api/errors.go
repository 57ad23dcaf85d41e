package api

import (
	"errors"
	"fmt"
)

// ValidationError indicates bad input or an unmet phase precondition.
// It is surfaced immediately and never retried.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed: %s", e.Op, e.Reason)
}

// NewValidationError builds a ValidationError for the given operation.
func NewValidationError(op, format string, args ...any) error {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TransientError indicates a timeout or resource contention. A phase
// failing with a TransientError is retried per its retry policy.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable.
func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// FatalError is unrecoverable: the flow is marked failed with the phase and
// detail surfaced, and no retry is attempted.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps err as non-retryable.
func NewFatalError(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// TenantIsolationError indicates that data or an executor scoped to one
// tenant was about to be used under another tenant's key. It aborts the
// operation immediately and must never be suppressed.
type TenantIsolationError struct {
	Expected string
	Actual   string
}

func (e *TenantIsolationError) Error() string {
	return fmt.Sprintf("tenant isolation violation: expected tenant %q, got %q", e.Expected, e.Actual)
}

// NewTenantIsolationError builds a TenantIsolationError.
func NewTenantIsolationError(expected, actual string) error {
	return &TenantIsolationError{Expected: expected, Actual: actual}
}

// IsTenantIsolation reports whether err is a TenantIsolationError.
func IsTenantIsolation(err error) bool {
	var t *TenantIsolationError
	return errors.As(err, &t)
}

// pauseForInputError is returned by phase handlers that want to park the
// flow until Resume delivers user input.
type pauseForInputError struct {
	Reason string
}

func (e *pauseForInputError) Error() string {
	return "paused for input: " + e.Reason
}

// NewPauseForInputError is primarily used by the orchestrator for declared
// pause points, but custom phase handlers can return it to request a pause
// at a dynamic decision.
func NewPauseForInputError(reason string) error {
	return &pauseForInputError{Reason: reason}
}

// IsPauseForInputError returns (reason, true) if err indicates that the
// phase wants to wait for user input.
func IsPauseForInputError(err error) (string, bool) {
	var p *pauseForInputError
	if errors.As(err, &p) {
		return p.Reason, true
	}
	return "", false
}
