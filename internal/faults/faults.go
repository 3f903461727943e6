// Package faults is the error taxonomy shared by the core components.
// Callers branch on Kind with errors.As / Is rather than string matching.
package faults

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// AuthenticationRequired: the operation needs a signed-in actor.
	AuthenticationRequired Kind = iota + 1
	// PermissionDenied: a role-gated operation invoked by the wrong actor.
	// Never retried; must leave zero mutation behind.
	PermissionDenied
	// GeolocationUnavailable: the position source denied permission or
	// cannot produce a fix.
	GeolocationUnavailable
	// WriteFailed: a store write was rejected or timed out. Surfaced to
	// the caller, never silently retried.
	WriteFailed
	// InvalidState: double-start, end-without-start, stale transition.
	InvalidState
	// ValidationError: non-finite coordinates, over-length message,
	// malformed phone or route. Never retried, never partially applied.
	ValidationError
)

func (k Kind) String() string {
	switch k {
	case AuthenticationRequired:
		return "authentication_required"
	case PermissionDenied:
		return "permission_denied"
	case GeolocationUnavailable:
		return "geolocation_unavailable"
	case WriteFailed:
		return "write_failed"
	case InvalidState:
		return "invalid_state"
	case ValidationError:
		return "validation_error"
	}
	return "unknown"
}

// Error carries a kind, the operation that failed, and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
