/*
Package core provides the central logic for oonict: the dedup ledger, the rate limited
CT submitter, the archive scheduler and the pipeline tying them together.
*/
package core

import (
	"errors"
	"fmt"
)

// customError is an error type that includes a retryable flag.
// This allows components to determine if an operation that resulted in this error
// should be retried on a later run.
// It implements the standard `error` interface and unwraps to its cause, if any.
type customError struct {
	message   string // The error message.
	retryable bool   // True if a later attempt might succeed.
	cause     error  // Optional underlying error.
}

// NewError creates a new customError with the given message and retryable status.
//
// Parameters:
//
//	msg: The textual description of the error.
//	retryable: A boolean indicating if the error condition is potentially transient.
//
// Returns:
//
//	An error of type *customError.
func NewError(msg string, retryable bool) error {
	return &customError{
		message:   msg,
		retryable: retryable,
	}
}

// WrapError annotates err with msg and a retryable flag. errors.Is/As still see err.
func WrapError(err error, msg string, retryable bool) error {
	if err == nil {
		return nil
	}
	return &customError{
		message:   fmt.Sprintf("%s: %v", msg, err),
		retryable: retryable,
		cause:     err,
	}
}

// Error implements the standard Go `error` interface.
func (e *customError) Error() string {
	return e.message
}

// Unwrap returns the wrapped cause, if any.
func (e *customError) Unwrap() error {
	return e.cause
}

// IsRetryable returns true if the error is designated as retryable, false otherwise.
func (e *customError) IsRetryable() bool {
	return e.retryable
}

// IsRetryable reports whether err, or anything it wraps, is a retryable *customError.
// Unknown error types are treated as non-retryable.
func IsRetryable(err error) bool {
	var e *customError
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// Common error values used within the core package.
var (
	// ErrCorruptLedger is returned by OpenLedger when a line is not a valid fingerprint
	// and recovery was not requested. Fatal at startup.
	ErrCorruptLedger = errors.New("corrupt ledger")

	// ErrLedgerClosed is returned when marking a fingerprint after Close.
	ErrLedgerClosed = NewError("ledger closed", false)

	// ErrSubmissionAborted means the limiter wait was cancelled and no request was sent.
	ErrSubmissionAborted = NewError("submission aborted before sending", true)

	// ErrWorkerShutdown indicates that the scheduler is shutting down and accepts no new archives.
	ErrWorkerShutdown = NewError("worker shutdown", false)
)
