// Package coreerrors defines the error taxonomy shared by the coordination
// plane: the Node Registry, the Task Scheduler, and the Escrow state
// machine all surface failures as a *Error of one of these kinds so callers
// can branch on Kind without parsing message text.
package coreerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a coordination-plane failure.
type Kind string

const (
	Validation      Kind = "validation"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	Storage         Kind = "storage"
	Network         Kind = "network"
	Unauthenticated Kind = "unauthenticated"
	Forbidden       Kind = "forbidden"
	Timeout         Kind = "timeout"
)

// Error wraps an underlying cause with a Kind so callers can type-switch
// on classification while %w-unwrapping still reaches the original error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs a classified error around an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the Kind of err, or "" if err is not (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
