// Package bayerr defines Bay's error kinds and the mapping from a kind to
// an HTTP status code. Every component that can fail across a component
// boundary returns one of these instead of a bare error, so pkg/api never
// has to guess what status to answer with.
package bayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the category of failure, independent of the message.
type Kind string

const (
	InvalidArgument   Kind = "invalid_argument"
	Unauthorized      Kind = "unauthorized"
	NotFound          Kind = "not_found"
	IllegalState      Kind = "illegal_state"
	CapacityExhausted Kind = "capacity_exhausted"
	StartupFailed     Kind = "startup_failed"
	Unavailable       Kind = "unavailable"
	DeadlineExceeded  Kind = "deadline_exceeded"
	Internal          Kind = "internal"
)

// statusByKind mirrors spec.md §7 exactly.
var statusByKind = map[Kind]int{
	InvalidArgument:   http.StatusBadRequest,
	Unauthorized:      http.StatusUnauthorized,
	NotFound:          http.StatusNotFound,
	IllegalState:      http.StatusConflict,
	CapacityExhausted: http.StatusTooManyRequests,
	StartupFailed:     http.StatusBadGateway,
	Unavailable:       http.StatusServiceUnavailable,
	DeadlineExceeded:  http.StatusGatewayTimeout,
	Internal:          http.StatusInternalServerError,
}

// Error is a Kind-tagged error that wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying cause as its Unwrap target.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err is
// not a *Error (or wraps one).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Status returns the HTTP status code for err per spec.md §7.
func Status(err error) int {
	status, ok := statusByKind[KindOf(err)]
	if !ok {
		return http.StatusInternalServerError
	}
	return status
}
