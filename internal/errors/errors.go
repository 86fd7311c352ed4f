// Package errors defines the typed error codes used internally by the
// taskqueue engine and its database backends.
package errors

import "fmt"

// Code classifies an internal error.
type Code int

const (
	Unspecified Code = iota
	Internal
	NotFound
	FailedPrecondition
	Aborted
	InvalidArgument
)

func (c Code) String() string {
	switch c {
	case Internal:
		return "internal"
	case NotFound:
		return "not_found"
	case FailedPrecondition:
		return "failed_precondition"
	case Aborted:
		return "aborted"
	case InvalidArgument:
		return "invalid_argument"
	}
	return "unspecified"
}

// Error is a typed error carrying a Code alongside the message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an *Error from a code and message, optionally wrapping a
// lower-level error when the last argument implements error.
func E(code Code, message string, wrapped ...error) *Error {
	var err error
	if len(wrapped) > 0 {
		err = wrapped[0]
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the Code carried by err, or Unspecified if err is not (or
// does not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Unspecified
	}
	return e.Code
}
