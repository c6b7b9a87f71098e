// Package faults defines the stable error kinds the gateway surfaces to callers.
//
// Everything below the HTTP boundary returns plain errors; paths that need a
// caller-visible classification wrap them in an *Error carrying a Kind. The REST
// layer extracts the Kind with errors.As and maps it to a status code. Unknown
// errors map to KindInternal.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable classification of a caller-visible failure.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindDuplicateRequest    Kind = "duplicate_request"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindRateLimited         Kind = "rate_limited"
	KindUnavailable         Kind = "unavailable"
	KindInternal            Kind = "internal"
)

// HTTPStatus returns the HTTP status a Kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput, KindInsufficientBalance, KindConflict:
		return http.StatusBadRequest
	case KindDuplicateRequest:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error with a caller-visible Kind and message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, or KindInternal if it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
