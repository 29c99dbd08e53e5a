package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error type for pipeline operations.
type ErrorCode string

const (
	// ErrCodeValidation indicates the caller requested an action that is
	// invalid for the session's current stage.
	ErrCodeValidation ErrorCode = "VALIDATION"
	// ErrCodeTransientService indicates a network/timeout/5xx-class failure
	// from the generation backend. Safe to retry.
	ErrCodeTransientService ErrorCode = "TRANSIENT_SERVICE"
	// ErrCodePermanentService indicates the generation backend explicitly
	// rejected the request. Never retried.
	ErrCodePermanentService ErrorCode = "PERMANENT_SERVICE"
	// ErrCodeInsufficientCredits indicates a credit reservation failed.
	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	// ErrCodeTimeout indicates the polling wall-clock cutoff was reached.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeInvalidReservation indicates a reservation was settled twice.
	// This is an orchestration defect, not a user-facing condition.
	ErrCodeInvalidReservation ErrorCode = "INVALID_RESERVATION"
	// ErrCodeCancelled indicates the session was cancelled by the caller.
	ErrCodeCancelled ErrorCode = "CANCELLED"
	// ErrCodeNotFound indicates the referenced session or job does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// PipelineError represents a structured error for pipeline operations.
type PipelineError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *PipelineError) WithContext(key string, value any) *PipelineError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// GetCode returns the error code.
func (e *PipelineError) GetCode() ErrorCode {
	return e.Code
}

// Convenience constructors for common error types.

// Validation creates a validation error.
func Validation(msg string) *PipelineError {
	return &PipelineError{Code: ErrCodeValidation, Message: msg}
}

// TransientService creates a retryable service error.
func TransientService(msg string, cause error) *PipelineError {
	return &PipelineError{Code: ErrCodeTransientService, Message: msg, Cause: cause}
}

// PermanentService creates a non-retryable service error.
func PermanentService(msg string, cause error) *PipelineError {
	return &PipelineError{Code: ErrCodePermanentService, Message: msg, Cause: cause}
}

// InsufficientCredits creates an insufficient credits error.
func InsufficientCredits(msg string) *PipelineError {
	return &PipelineError{Code: ErrCodeInsufficientCredits, Message: msg}
}

// Timeout creates a timeout error.
func Timeout(msg string) *PipelineError {
	return &PipelineError{Code: ErrCodeTimeout, Message: msg}
}

// InvalidReservation creates an invalid reservation state error.
func InvalidReservation(msg string) *PipelineError {
	return &PipelineError{Code: ErrCodeInvalidReservation, Message: msg}
}

// Cancelled creates a cancellation error.
func Cancelled(msg string) *PipelineError {
	return &PipelineError{Code: ErrCodeCancelled, Message: msg}
}

// NotFound creates a not found error.
func NotFound(msg string) *PipelineError {
	return &PipelineError{Code: ErrCodeNotFound, Message: msg}
}

// Wrap wraps an existing error with a code and message.
func Wrap(cause error, code ErrorCode, msg string) *PipelineError {
	return &PipelineError{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if an error carries a specific code.
func IsCode(err error, code ErrorCode) bool {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if the error is not a PipelineError.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return defaultCode
}

// IsRetryable reports whether the error is worth retrying.
func IsRetryable(err error) bool {
	return IsCode(err, ErrCodeTransientService)
}
