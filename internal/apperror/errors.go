// Package apperror defines the error taxonomy shared by the booking
// engine: every error crossing a service boundary carries a stable code
// so callers can branch on outcome without string matching.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the class of an error.
type Code string

const (
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeConflict         Code = "CONFLICT"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
	CodeApprovalRequired Code = "APPROVAL_REQUIRED"
	CodeConfiguration    Code = "CONFIGURATION_ERROR"
	CodeConcurrency      Code = "CONCURRENCY_ERROR"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// Error is the concrete error type used throughout the engine.
// Details carries structured payload (conflicting sets, quota numbers)
// for user-facing messaging.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message. Returns
// nil when err is nil, so repository methods can wrap their final scan
// error unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// WithDetails attaches a structured payload and returns the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return Newf(CodeNotFound, "%s %q not found", entity, id)
}

// InvalidInput reports a malformed field value.
func InvalidInput(field, reason string) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]any{"field": field},
	}
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the status the HTTP shell should return.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict, CodeConcurrency:
		return http.StatusConflict
	case CodeQuotaExceeded:
		return http.StatusForbidden
	case CodeApprovalRequired:
		return http.StatusAccepted
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
