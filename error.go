package sop

import "fmt"

// ErrorCode enumerates SOP error categories used across packages.
type ErrorCode int

const (
	// Unknown represents an unspecified error condition.
	Unknown ErrorCode = iota
	// LockAcquisitionFailure indicates failure to acquire a required lock.
	LockAcquisitionFailure
	// FailoverQualifiedError marks an error that qualifies the operation for failover handling.
	FailoverQualifiedError = 77 + iota
	// FileIOError represents file I/O related errors.
	FileIOError
	// RestoreRegistryFileSectorFailure indicates a failure while restoring a registry file sector.
	RestoreRegistryFileSectorFailure

	// RetriableSameChunk indicates the attempted chunk should be retried unchanged.
	RetriableSameChunk
	// RetriableSmallerChunk indicates the caller should shrink the chunk before retrying.
	RetriableSmallerChunk
	// RangeAlreadyBuilt indicates the requested range was already recorded as built.
	RangeAlreadyBuilt
	// SessionLost indicates this process's session lease was preempted or expired.
	SessionLost
	// SessionLocked indicates another process currently holds the session lease.
	SessionLocked
	// ValidationFailure indicates a pre-flight or structural validation failed.
	ValidationFailure
	// MaxRetriesExceeded indicates the throttled runner exhausted its retry budget.
	MaxRetriesExceeded
	// StateMismatch indicates the index was not in a state that permits the requested transition.
	StateMismatch
)

// Error is a SOP-specific error carrying a code, the wrapped error and optional user data.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

// Error implements the error interface by formatting the code, user data, and wrapped error details.
func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with code, carrying userData for diagnostics.
func NewError(code ErrorCode, err error, userData any) Error {
	return Error{Code: code, Err: err, UserData: userData}
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a sop.Error, else Unknown.
func CodeOf(err error) ErrorCode {
	var e Error
	if asError(err, &e) {
		return e.Code
	}
	return Unknown
}

// asError is a small local errors.As to avoid importing errors just for this.
func asError(err error, target *Error) bool {
	for err != nil {
		if e, ok := err.(Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetriable reports whether the build orchestrator should retry the current chunk attempt,
// either at the same chunk size (RetriableSameChunk) or a smaller one (RetriableSmallerChunk).
func IsRetriable(err error) bool {
	c := CodeOf(err)
	return c == RetriableSameChunk || c == RetriableSmallerChunk
}

// ShouldShrinkChunk reports whether err indicates the Throttled Runner should shrink its chunk size.
func ShouldShrinkChunk(err error) bool {
	return CodeOf(err) == RetriableSmallerChunk
}

// IsSessionError reports whether err indicates loss of, or failure to acquire, the session lease.
func IsSessionError(err error) bool {
	c := CodeOf(err)
	return c == SessionLost || c == SessionLocked
}
