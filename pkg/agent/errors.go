package agent

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of error kinds components surface. These
// are kinds, not distinct Go types: every one of them is carried by the
// same AppError struct, classified by Kind.
type ErrorKind string

const (
	ErrValidation          ErrorKind = "validation"
	ErrUnavailable         ErrorKind = "unavailable"
	ErrNotFound            ErrorKind = "not_found"
	ErrAlreadyTerminal     ErrorKind = "already_terminal"
	ErrTransient           ErrorKind = "transient"
	ErrToolBudgetExhausted ErrorKind = "tool_budget_exhausted"
	ErrCancelled           ErrorKind = "cancelled"
	ErrFatal               ErrorKind = "fatal"
)

// AppError is the error type every component surfaces across its public
// boundary. Transport adapters translate Kind to a protocol-specific status
// code; components never construct raw errors.Newers for boundary failures.
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *AppError      { return newErr(ErrValidation, message, nil) }
func Unavailable(message string) *AppError     { return newErr(ErrUnavailable, message, nil) }
func NotFound(message string) *AppError        { return newErr(ErrNotFound, message, nil) }
func AlreadyTerminal(message string) *AppError { return newErr(ErrAlreadyTerminal, message, nil) }
func Cancelled(message string) *AppError       { return newErr(ErrCancelled, message, nil) }

func Transient(message string, err error) *AppError {
	return newErr(ErrTransient, message, err)
}

func ToolBudgetExhausted(message string) *AppError {
	return newErr(ErrToolBudgetExhausted, message, nil)
}

func Fatal(message string, err error) *AppError {
	return newErr(ErrFatal, message, err)
}

// Wrap preserves an existing AppError's kind, or classifies a plain error as Fatal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return newErr(ae.Kind, message+": "+ae.Message, ae.Err)
	}
	return newErr(ErrFatal, message, err)
}

// KindOf extracts the ErrorKind of err, defaulting to Fatal for plain errors.
func KindOf(err error) ErrorKind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrFatal
}

// HTTPStatus maps an error kind to its HTTP status code. Anything not
// explicitly listed maps to 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrNotFound:
		return http.StatusNotFound
	case ErrAlreadyTerminal:
		return http.StatusConflict
	case ErrToolBudgetExhausted:
		return http.StatusTooManyRequests
	case ErrCancelled:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
