// Package errors provides error handling for cadence.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for operators reading logs
//
// Usage:
//
//	// Wrap with context
//	if err := store.MarkRun(ctx, id, now, next); err != nil {
//	    return errors.Wrap(err, "failed to advance schedule")
//	}
//
//	// Classify a worker failure
//	return errors.Mark(errors.Newf("worker timed out after %s", d), errors.ErrWorkerTimeout)
//
//	// Check errors
//	if errors.Is(err, errors.ErrWorkerTimeout) {
//	    // handle timeout
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
	Mark         = crdb.Mark
)

// Operator-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Generic sentinels. Wrap these with errors.Wrap() to add context while
// preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrInfrastructure marks store and logger write failures. These abort the
	// current iteration but never the daemon loop.
	ErrInfrastructure = New("infrastructure error")
)

// Worker execution sentinels. A failed run record carries one of these as its
// error class.
var (
	// ErrUnknownSource means the schedule names a worker source that has no
	// registered command. Fatal for that job only.
	ErrUnknownSource = New("unknown worker source")

	// ErrWorkerTimeout means the worker exceeded its wall-clock limit and was killed.
	ErrWorkerTimeout = New("worker timed out")

	// ErrWorkerExit means the worker exited with a nonzero status.
	ErrWorkerExit = New("worker exited with failure")

	// ErrWorkerSpawn means the worker process could not be started.
	ErrWorkerSpawn = New("worker spawn failed")

	// ErrBadWorkerOutput means the worker emitted a result object that could not be parsed.
	ErrBadWorkerOutput = New("malformed worker result")

	// ErrWorkerCancelled means the worker was stopped by its parent context.
	ErrWorkerCancelled = New("worker cancelled")
)

// Run log and delivery sentinels
var (
	// ErrRunAlreadyCompleted is returned when a terminal update targets a run
	// that is no longer running.
	ErrRunAlreadyCompleted = New("run already completed")

	// ErrChannelDisabled means a channel lacks the configuration it needs.
	ErrChannelDisabled = New("channel disabled")

	// ErrDeliveryFailed marks a provider-side delivery failure.
	ErrDeliveryFailed = New("delivery failed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}

// NewInfrastructureError wraps a store or transport failure so the scheduler
// can tell it apart from a job failure.
func NewInfrastructureError(err error, context string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, context), ErrInfrastructure)
}
