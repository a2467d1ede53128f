// Package errors defines the structured error type shared across the
// library, with codes for the numerical failure taxonomy: invalid designs,
// NaN/Inf instabilities and shape/label contract violations are all fatal
// and carry fields identifying the quantity that failed.
package errors

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorCode classifies known failure modes.
type ErrorCode int

const (
	Unknown ErrorCode = iota

	// InvalidDesign marks a design tensor containing NaN or Inf. Raised
	// before any model evaluation.
	InvalidDesign

	// NumericalInstability marks a NaN/Inf guide parameter or loss value.
	// Never recovered from: a corrupted gradient would otherwise leak
	// into the learned design.
	NumericalInstability

	// ShapeMismatch marks tensors of incompatible dimensionality.
	ShapeMismatch

	// LabelMismatch marks label sets that disagree with the declared
	// size maps at construction.
	LabelMismatch

	// NotFinalized marks use of a Laplace guide in evaluation mode
	// before Finalize has run.
	NotFinalized

	// BadConfig marks invalid experiment configuration.
	BadConfig
)

func (c ErrorCode) String() string {
	switch c {
	case InvalidDesign:
		return "InvalidDesign"
	case NumericalInstability:
		return "NumericalInstability"
	case ShapeMismatch:
		return "ShapeMismatch"
	case LabelMismatch:
		return "LabelMismatch"
	case NotFinalized:
		return "NotFinalized"
	case BadConfig:
		return "BadConfig"
	default:
		return "Unknown"
	}
}

// Fields carries structured context about the failure.
type Fields map[string]interface{}

// Error is a structured error with a code, message and optional fields.
type Error struct {
	code     ErrorCode
	message  string
	original error
	fields   Fields
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.message)

	if e.original != nil {
		b.WriteString(": ")
		b.WriteString(e.original.Error())
	}

	if len(e.fields) > 0 {
		keys := make([]string, 0, len(e.fields))
		for k := range e.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%v ", k, e.fields[k])
		}
		b.WriteString("]")
	}

	return strings.TrimSpace(b.String())
}

func (e *Error) Unwrap() error { return e.original }

func (e *Error) Code() ErrorCode { return e.code }

// Fields returns a copy of the structured context.
func (e *Error) Fields() Fields {
	fields := make(Fields, len(e.fields))
	for k, v := range e.fields {
		fields[k] = v
	}
	return fields
}

// New creates an error with a code and message.
func New(code ErrorCode, message string) error {
	return &Error{code: code, message: message}
}

// Newf creates an error with a code and a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message; returns nil for nil err.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: message, original: err}
}

// WithFields attaches structured context to an error.
func WithFields(err error, fields Fields) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		merged := make(Fields, len(e.fields)+len(fields))
		for k, v := range e.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		return &Error{code: e.code, message: e.message, original: e.original, fields: merged}
	}
	return &Error{code: Unknown, message: err.Error(), original: err, fields: fields}
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
