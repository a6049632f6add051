// Package errors provides the structured error system for syncstore with
// error codes, categories, and classification helpers used by the cache
// read path and the offline queue's retry state machine.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode identifies a failure class. The offline queue and the cache read
// path branch on codes, never on error strings.
type ErrorCode string

const (
	// Read path
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // cache miss with no loader; a valid outcome
	ErrCodeLoaderFailure ErrorCode = "LOADER_FAILURE" // loader returned an error; propagated as-is
	ErrCodeTimeout       ErrorCode = "TIMEOUT"        // loader exceeded its deadline

	// Storage
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED" // durable tier rejected a write under quota
	ErrCodeStorageRead   ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite  ErrorCode = "STORAGE_WRITE"
	ErrCodeCorruptRecord ErrorCode = "CORRUPT_RECORD"

	// Write path / queue
	ErrCodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK" // retryable, drives backoff
	ErrCodeConflict         ErrorCode = "CONFLICT"          // version conflict, drives the conflict strategy
	ErrCodeFatalOperation   ErrorCode = "FATAL_OPERATION"   // non-retryable, immediate dead-letter
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"

	// Configuration / state
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeAlreadyStarted   ErrorCode = "ALREADY_STARTED"
	ErrCodeClosed           ErrorCode = "CLOSED"
	ErrCodeInternal         ErrorCode = "INTERNAL"
)

// ErrorCategory groups codes for logging and metrics.
type ErrorCategory string

const (
	CategoryRead          ErrorCategory = "read"
	CategoryStorage       ErrorCategory = "storage"
	CategoryQueue         ErrorCategory = "queue"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is the structured error carried across syncstore component
// boundaries.
type Error struct {
	Code      ErrorCode      `json:"code"`
	Category  ErrorCategory  `json:"category"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
	Retryable bool           `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches on code so sentinel-style comparisons work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if stderrors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetail attaches a named detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a structured error with category and retryability derived from
// the code.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByDefault(code),
	}
}

// Newf is New with Sprintf formatting.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error with an underlying cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message)
	e.Cause = cause
	return e
}

func categoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotFound, ErrCodeLoaderFailure, ErrCodeTimeout:
		return CategoryRead
	case ErrCodeQuotaExceeded, ErrCodeStorageRead, ErrCodeStorageWrite, ErrCodeCorruptRecord:
		return CategoryStorage
	case ErrCodeTransientNetwork, ErrCodeConflict, ErrCodeFatalOperation, ErrCodeRetryExhausted:
		return CategoryQueue
	case ErrCodeInvalidConfig, ErrCodeConfigValidation:
		return CategoryConfiguration
	case ErrCodeAlreadyStarted, ErrCodeClosed:
		return CategoryState
	default:
		return CategoryInternal
	}
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeTransientNetwork, ErrCodeTimeout, ErrCodeStorageRead, ErrCodeStorageWrite:
		return true
	}
	return false
}

// NotFound builds the distinguished cache-miss error for a key.
func NotFound(key string) *Error {
	return New(ErrCodeNotFound, "no valid cache entry").WithDetail("key", key)
}

// Timeout builds the distinguished loader-deadline error.
func Timeout(key string, cause error) *Error {
	return Wrap(ErrCodeTimeout, "loader exceeded deadline", cause).WithDetail("key", key)
}

// QuotaExceeded builds a durable-store quota error.
func QuotaExceeded(message string) *Error {
	return New(ErrCodeQuotaExceeded, message)
}

// Transient marks an executor failure as retryable.
func Transient(message string, cause error) *Error {
	return Wrap(ErrCodeTransientNetwork, message, cause)
}

// Fatal marks an executor failure as non-retryable.
func Fatal(message string, cause error) *Error {
	return Wrap(ErrCodeFatalOperation, message, cause)
}

// Conflict builds a version-conflict error carrying the server's current
// state, which the merge strategy consumes.
func Conflict(message string, serverState []byte) *Error {
	e := New(ErrCodeConflict, message)
	if serverState != nil {
		e.WithDetail("server_state", serverState)
	}
	return e
}

// ConflictState extracts the server state from a conflict error, or nil.
func ConflictState(err error) []byte {
	var e *Error
	if !stderrors.As(err, &e) || e.Code != ErrCodeConflict {
		return nil
	}
	if b, ok := e.Details["server_state"].([]byte); ok {
		return b
	}
	return nil
}

// CodeOf returns the structured code of err, or ErrCodeInternal for foreign
// errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsNotFound reports whether err is the distinguished cache-miss outcome.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsTimeout reports whether err is a loader-deadline failure.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsQuotaExceeded reports whether err is a durable-store quota failure.
func IsQuotaExceeded(err error) bool { return hasCode(err, ErrCodeQuotaExceeded) }

// IsTransient reports whether err should drive retry backoff.
func IsTransient(err error) bool { return hasCode(err, ErrCodeTransientNetwork) }

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsFatal reports whether err dead-letters an operation immediately.
func IsFatal(err error) bool { return hasCode(err, ErrCodeFatalOperation) }

// IsRetryable reports whether err is retryable, honoring explicit Retryable
// overrides on structured errors.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Code == code
}
