// Package errors provides coded errors with structured fields.
//
// Every error produced by nnflow carries an ErrorCode so callers can branch on
// the failure class (wiring, computation, transport) without string matching,
// and an optional set of Fields describing the context it happened in.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode classifies an error.
type ErrorCode int

const (
	// Unknown is used for failures of external systems (Redis, SQLite, ...).
	Unknown ErrorCode = iota
	// InvalidInput indicates the caller passed an unusable value.
	InvalidInput
	// ValidationFailed indicates a structurally invalid descriptor or configuration.
	ValidationFailed
	// ResourceNotFound indicates a lookup miss.
	ResourceNotFound
	// InvalidResponse indicates malformed data coming back from a store or peer.
	InvalidResponse
	// WiringFailed indicates a module could not be instantiated or wired.
	WiringFailed
	// ComputationFailed indicates a module-local transform failed.
	ComputationFailed
	// Unsupported indicates an operation a module does not implement.
	Unsupported
	// TransportFailed indicates a message could not cross a host boundary.
	TransportFailed
)

func (c ErrorCode) String() string {
	switch c {
	case InvalidInput:
		return "InvalidInput"
	case ValidationFailed:
		return "ValidationFailed"
	case ResourceNotFound:
		return "ResourceNotFound"
	case InvalidResponse:
		return "InvalidResponse"
	case WiringFailed:
		return "WiringFailed"
	case ComputationFailed:
		return "ComputationFailed"
	case Unsupported:
		return "Unsupported"
	case TransportFailed:
		return "TransportFailed"
	default:
		return "Unknown"
	}
}

// Fields holds structured context attached to an error.
type Fields map[string]any

// Error is the concrete error type returned by this package.
type Error struct {
	code     ErrorCode
	message  string
	original error
	fields   Fields
}

// New creates an error with the given code and message.
func New(code ErrorCode, message string) error {
	return &Error{
		code:    code,
		message: message,
		fields:  Fields{},
	}
}

// Wrap wraps err with a code and message. Wrap returns nil if err is nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		code:     code,
		message:  message,
		original: err,
		fields:   Fields{},
	}
}

// WrapWith returns a copy of sentinel whose cause is err, so errors.Is
// matches both the sentinel and err. WrapWith returns nil if err is nil.
func WrapWith(err, sentinel error) error {
	if err == nil {
		return nil
	}
	var s *Error
	if !stderrors.As(sentinel, &s) {
		return Wrap(err, Unknown, sentinel.Error())
	}
	return &Error{code: s.code, message: s.message, original: err, fields: s.fields.clone()}
}

// WithFields attaches fields to err. Errors not created by this package are
// wrapped with code Unknown first.
func WithFields(err error, fields Fields) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !stderrors.As(err, &e) {
		e = &Error{code: Unknown, message: err.Error(), original: err, fields: Fields{}}
	} else {
		// copy so sentinels are never mutated
		e = &Error{code: e.code, message: e.message, original: e.original, fields: e.fields.clone()}
	}

	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.code.String())
	b.WriteString("] ")
	b.WriteString(e.message)

	if len(e.fields) > 0 {
		keys := make([]string, 0, len(e.fields))
		for k := range e.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %v", k, e.fields[k])
		}
		b.WriteString("}")
	}

	if e.original != nil && e.original.Error() != e.message {
		b.WriteString(": ")
		b.WriteString(e.original.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.original
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Message returns the message without code or fields.
func (e *Error) Message() string {
	return e.message
}

// Fields returns a copy of the attached fields.
func (e *Error) Fields() Fields {
	return e.fields.clone()
}

// Is reports whether target is an *Error with the same code and message, so
// that errors.Is matches sentinels even after WithFields copied them.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.code == e.code && t.message == e.message
}

// CodeOf returns the code of the first *Error in err's chain, or Unknown.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.code
	}
	return Unknown
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As from the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Unwrap is errors.Unwrap from the standard library.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
