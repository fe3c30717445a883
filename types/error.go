package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Guardrail error codes
const (
	ErrGuardrailTripwire ErrorCode = "GUARDRAIL_TRIPWIRE"
	ErrGuardrailFault    ErrorCode = "GUARDRAIL_FAULT"
	ErrInvalidGuardrail  ErrorCode = "INVALID_GUARDRAIL"
)

// Run error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrAgentNotReady      ErrorCode = "AGENT_NOT_READY"
	ErrMaxTurnsExceeded   ErrorCode = "MAX_TURNS_EXCEEDED"
	ErrRunCancelled       ErrorCode = "RUN_CANCELLED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	ErrToolExecution      ErrorCode = "TOOL_EXECUTION"
	ErrAuditUnavailable   ErrorCode = "AUDIT_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Coder is implemented by errors that carry an ErrorCode.
type Coder interface {
	Code() ErrorCode
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
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

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
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

// GetErrorCode extracts the error code from an error chain.
// Both *Error and any error implementing Coder are recognized.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}
