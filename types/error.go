package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Backend / policy error codes
const (
	ErrBackend        ErrorCode = "BACKEND_ERROR"
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
)

// Stage error codes
const (
	ErrStageUpstream          ErrorCode = "STAGE_UPSTREAM"
	ErrStageMissingDependency ErrorCode = "STAGE_MISSING_DEPENDENCY"
	ErrStageValidation        ErrorCode = "STAGE_VALIDATION"
)

// Workflow / store error codes
const (
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrCancelled         ErrorCode = "CANCELLED"
	ErrPersistence       ErrorCode = "PERSISTENCE_ERROR"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Backend    string    `json:"backend,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewBackendError creates a transient backend error. Backend errors are
// retryable by default; the policy layer decides when to give up.
func NewBackendError(backend, message string) *Error {
	return &Error{Code: ErrBackend, Message: message, Backend: backend, Retryable: true}
}

// NewNotFoundError creates a NOT_FOUND error for read paths.
func NewNotFoundError(message string) *Error {
	return &Error{Code: ErrNotFound, Message: message, HTTPStatus: 404}
}

// NewStageError creates a stage-level error with one of the stage kinds
// (STAGE_UPSTREAM, STAGE_MISSING_DEPENDENCY, STAGE_VALIDATION).
func NewStageError(kind ErrorCode, message string) *Error {
	return &Error{Code: kind, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithBackend sets the backend identity that produced the error.
func (e *Error) WithBackend(backend string) *Error {
	e.Backend = backend
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsStageError reports whether err carries one of the stage error kinds.
func IsStageError(err error) bool {
	switch GetErrorCode(err) {
	case ErrStageUpstream, ErrStageMissingDependency, ErrStageValidation:
		return true
	default:
		return false
	}
}
