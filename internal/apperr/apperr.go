// Package apperr implements the error taxonomy shared by every component
// of the proxy: a small set of Kinds, each mapping to a fixed HTTP status
// and a stable machine-readable code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the broad category of a failure, independent of which
// component raised it. It is the taxonomy from the error handling design.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindValidation        Kind = "validation"
	KindUnauthorized      Kind = "unauthorized"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindTokenSpent        Kind = "token_spent"
	KindWrongMint         Kind = "wrong_mint"
	KindTransport         Kind = "transport"
	KindUpstreamNon2xx    Kind = "upstream_non2xx"
	KindNwcTransient      Kind = "nwc_transient"
	KindNwcTerminal       Kind = "nwc_terminal"
	KindInternal          Kind = "internal"
)

// statusByKind is the fixed HTTP status each Kind converts to when it
// becomes a response, per the error handling design table.
var statusByKind = map[Kind]int{
	KindConfiguration:     http.StatusBadRequest,
	KindValidation:        http.StatusBadRequest,
	KindUnauthorized:      http.StatusUnauthorized,
	KindNotFound:          http.StatusNotFound,
	KindConflict:          http.StatusConflict,
	KindInsufficientFunds: http.StatusInternalServerError,
	KindTokenSpent:        http.StatusBadRequest,
	KindWrongMint:         http.StatusBadRequest,
	KindTransport:         http.StatusInternalServerError,
	KindUpstreamNon2xx:    http.StatusBadRequest,
	KindNwcTransient:      http.StatusInternalServerError,
	KindNwcTerminal:       http.StatusInternalServerError,
	KindInternal:          http.StatusInternalServerError,
}

// Error is the concrete error type every component returns. Code is a
// stable machine string (e.g. "default_provider_missing", "payment_error")
// used in HTTP error bodies; Message is safe to echo for Validation-kind
// errors and opaque otherwise.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the fixed status code for e's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err is
// not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
