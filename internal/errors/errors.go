// Package errors provides the error codes shared by the sync engine, its
// stores and its HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are stable strings so they
// can travel over HTTP and websocket payloads unchanged.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrTransientExternal ErrorCode = "TRANSIENT_EXTERNAL"
	ErrPermanentExternal ErrorCode = "PERMANENT_EXTERNAL"
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"
	ErrConfiguration     ErrorCode = "CONFIGURATION_ERROR"
	ErrArchivalFailure   ErrorCode = "ARCHIVAL_FAILURE"
	ErrNoSource          ErrorCode = "NO_ACTIVE_SOURCE"

	// Modification lifecycle errors
	ErrInvalidTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrModificationBusy  ErrorCode = "MODIFICATION_BUSY"
	ErrVersionMoved      ErrorCode = "VERSION_MOVED"

	// Secrets errors
	ErrSecretNotFound     ErrorCode = "SECRET_NOT_FOUND"
	ErrSecretAccessDenied ErrorCode = "SECRET_ACCESS_DENIED"
	ErrSecretMalformed    ErrorCode = "SECRET_MALFORMED_REQUEST"
	ErrSecretFetch        ErrorCode = "SECRET_FETCH_FAILED"
	ErrSecretInvalid      ErrorCode = "SECRET_INVALID_PAYLOAD"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether err is worth another attempt. Only transient
// external failures and timeouts qualify.
func IsRetryable(err error) bool {
	return Is(err, ErrTransientExternal) || Is(err, ErrSyncTimeout)
}
