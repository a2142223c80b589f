// Package errors provides error handling for whirr.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for user-facing messages
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
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// GetStack returns the reportable stack trace attached to an error, if any.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors for the whirr scheduling contract.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the kind.
var (
	// ErrNotInitialized indicates the data root is absent (run 'whirr init')
	ErrNotInitialized = New("not initialized")

	// ErrNotFound indicates the requested job, run, or artifact does not exist
	ErrNotFound = New("not found")

	// ErrNotOwner indicates a renew/complete call from a worker that no
	// longer owns the job, typically after its lease expired and the job
	// was reaped
	ErrNotOwner = New("not owner")

	// ErrNotRetryable indicates a retry was requested on a job that is not
	// in a terminal non-success state
	ErrNotRetryable = New("not retryable")

	// ErrStoreUnavailable indicates a transient transport or lock-timeout
	// error; claim and renew paths retry this with bounded backoff
	ErrStoreUnavailable = New("store unavailable")
)

// IsNotFound checks if an error is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsNotOwner checks if an error is or wraps ErrNotOwner.
func IsNotOwner(err error) bool {
	return err != nil && Is(err, ErrNotOwner)
}

// IsStoreUnavailable checks if an error is or wraps ErrStoreUnavailable.
func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// NewNotFound creates a not-found error with a formatted message.
func NewNotFound(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
