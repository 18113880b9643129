package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Validation error codes. These are returned before any execution begins;
// a workflow that fails validation is never created.
const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrCycleDetected     ErrorCode = "CYCLE_DETECTED"
	ErrUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"
	ErrBadStartNodes     ErrorCode = "BAD_START_NODES"
)

// Resolution error codes for HITL approve/reject calls.
const (
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrAlreadyResolved  ErrorCode = "ALREADY_RESOLVED"
	ErrDuplicateRequest ErrorCode = "DUPLICATE_REQUEST"
)

// Execution error codes.
const (
	ErrTemplateReference ErrorCode = "TEMPLATE_REFERENCE"
	ErrHITLRejected      ErrorCode = "HITL_REJECTED"
	ErrWorkflowTerminal  ErrorCode = "WORKFLOW_TERMINAL"
	ErrStoreError        ErrorCode = "STORE_ERROR"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
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

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	switch GetErrorCode(err) {
	case ErrValidation, ErrCycleDetected, ErrUnknownDependency, ErrBadStartNodes:
		return true
	}
	return false
}
