// Package errors provides error handling for drover.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Add hints for operators
//	return errors.WithHint(err, "try increasing the timeout")
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Advanced features
var (
	Handled            = crdb.Handled
	HandledWithMessage = crdb.HandledWithMessage
	WithDomain         = crdb.WithDomain
	GetDomain          = crdb.GetDomain
	AssertionFailedf   = crdb.AssertionFailedf
)

// Sentinel errors matching the orchestrator's error kinds.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the kind.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = New("not found")

	// ErrValidation indicates malformed input or a violated contract.
	ErrValidation = New("validation failed")

	// ErrConflict indicates a state precondition failed (e.g. a
	// conditional transition raced with another writer).
	ErrConflict = New("state conflict")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = New("operation timed out")

	// ErrRateLimit indicates an upstream rejected the call for pacing.
	ErrRateLimit = New("rate limited")

	// ErrAuth indicates missing or rejected credentials. Never retried.
	ErrAuth = New("authentication failed")

	// ErrModelUnavailable indicates a delegate model cannot be called
	// (breaker open, binary missing, or upstream outage).
	ErrModelUnavailable = New("model unavailable")

	// ErrTransient indicates a short-lived I/O failure worth retrying.
	ErrTransient = New("transient failure")

	// ErrBudgetExceeded indicates the spend governor rejected the call.
	ErrBudgetExceeded = New("budget exceeded")

	// ErrIntegrity indicates corrupt or schema-invalid data (e.g. a
	// delegate envelope that fails validation). Never retried.
	ErrIntegrity = New("integrity violation")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrConflict.
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsTimeoutError checks if an error is or wraps ErrTimeout.
func IsTimeoutError(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsAuthError checks if an error is or wraps ErrAuth.
func IsAuthError(err error) bool {
	return err != nil && Is(err, ErrAuth)
}

// IsBudgetExceededError checks if an error is or wraps ErrBudgetExceeded.
func IsBudgetExceededError(err error) bool {
	return err != nil && Is(err, ErrBudgetExceeded)
}

// IsIntegrityError checks if an error is or wraps ErrIntegrity.
func IsIntegrityError(err error) bool {
	return err != nil && Is(err, ErrIntegrity)
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewValidationError creates a validation error with a formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}
