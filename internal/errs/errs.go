// Package errs defines the typed error kinds the broker surfaces to
// clients, per the wire contract's error vocabulary.
package errs

import "fmt"

// Kind identifies one of the broker's well-known error categories.
// Kind values are stable and are sent to clients verbatim as the
// `error` field of terminal_error/workspace_error/session_reconnect_error
// responses.
type Kind string

const (
	SpawnFailed      Kind = "SpawnFailed"
	NotFound         Kind = "NotFound"
	PermissionDenied Kind = "PermissionDenied"
	WriteTimeout     Kind = "WriteTimeout"
	Overflow         Kind = "Overflow"
	InvalidRequest   Kind = "InvalidRequest"
	InternalError    Kind = "InternalError"
	NotOpen          Kind = "NotOpen"
)

// Error is a typed broker error. It never carries internal state in its
// Message field beyond what is safe to show a client.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that wraps a lower-level cause. The cause is
// available via errors.Unwrap but never rendered in Error() to avoid
// leaking internal state to clients.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// defaulting to InternalError for anything else.
func KindOf(err error) Kind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return InternalError
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
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
