package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies application errors
type ErrorCode string

const (
	ErrCodeSetupFailure      ErrorCode = "SETUP_FAILURE"
	ErrCodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeTransportLoss     ErrorCode = "TRANSPORT_LOSS"
	ErrCodeWriteFailure      ErrorCode = "WRITE_FAILURE"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new application error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// Wrap creates a new application error wrapping a cause
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// SetupFailure marks a failure to set up a session collaborator (shared
// memory, pipe, encoder sink). Fatal only for the session being created.
func SetupFailure(message string, cause error) *AppError {
	return Wrap(ErrCodeSetupFailure, message, cause)
}

// ProtocolViolation marks a malformed or out-of-place message from a target.
func ProtocolViolation(message string) *AppError {
	return New(ErrCodeProtocolViolation, message)
}

// WriteFailure marks a failed write to a (most likely dead) connection.
func WriteFailure(message string, cause error) *AppError {
	return Wrap(ErrCodeWriteFailure, message, cause)
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
