package errors

import (
	"errors"
	"fmt"
)

// Standard error codes shared across packages.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInternal        = "INTERNAL"
	CodeTimeout         = "TIMEOUT"
)

// AppError is the structured error type used across the control plane.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code, message and optional cause.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap annotates err with a message while preserving its code, if any.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message + ": " + ae.Message, Err: ae.Err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// NotFound constructs an AppError with CodeNotFound.
func NotFound(message string, err error) *AppError {
	return New(CodeNotFound, message, err)
}

// Conflict constructs an AppError with CodeConflict.
func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, err)
}

// InvalidArgument constructs an AppError with CodeInvalidArgument.
func InvalidArgument(message string, err error) *AppError {
	return New(CodeInvalidArgument, message, err)
}

// Internal constructs an AppError with CodeInternal.
func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, err)
}

// Timeout constructs an AppError with CodeTimeout.
func Timeout(message string, err error) *AppError {
	return New(CodeTimeout, message, err)
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
