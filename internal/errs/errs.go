package errs

import (
	"errors"
	"fmt"
)

// Code classifies a failure so the boundary layer can translate it
// into a structured response without inspecting message text.
type Code string

const (
	Validation        Code = "validation"
	NotFound          Code = "not_found"
	Unauthorized      Code = "unauthorized"
	Conflict          Code = "conflict"
	InsufficientFunds Code = "insufficient_funds"
	InvalidState      Code = "invalid_state"
	External          Code = "external"
)

type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf returns the code carried by err, or External for anything
// that is not an *Error (a raw store or gateway failure).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return External
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool { return CodeOf(err) == code }
