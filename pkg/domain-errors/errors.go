// Package domainerrors carries typed, transport-agnostic errors between layers.
//
// Services return *Error values built with New or Wrap. Transports translate the
// Code into a status and a machine-readable error string; the Message is safe to
// show to callers except for CodeInternal, which transports must hide.
package domainerrors

import (
	"errors"
	"net/http"
)

// Code is the machine-readable error identifier. Its string value is what goes
// out on the wire in the "error" field.
type Code string

const (
	CodeBadRequest              Code = "bad_request"
	CodeInvalidInput            Code = "invalid_input"
	CodeValidation              Code = "validation_error"
	CodeInvalidRequest          Code = "invalid_request"
	CodeInvalidGrant            Code = "invalid_grant"
	CodeUnsupportedGrantType    Code = "unsupported_grant_type"
	CodeUnsupportedResponseType Code = "unsupported_response_type"
	CodeInvalidScope            Code = "invalid_scope"
	CodeAccessDenied            Code = "access_denied"
	CodeUnauthorized            Code = "unauthorized"
	CodeForbidden               Code = "forbidden"
	CodeNotFound                Code = "not_found"
	CodeConflict                Code = "conflict"
	CodeRateLimited             Code = "rate_limited"
	CodeTimeout                 Code = "timeout"
	CodeUnavailable             Code = "unavailable"
	CodeInternal                Code = "internal_error"
)

// Error is a domain error with a code, a caller-safe message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
	status  int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so tests and callers can write
// errors.Is(err, dErrors.New(dErrors.CodeUnauthorized, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithStatus overrides the HTTP status derived from the code.
func (e *Error) WithStatus(status int) *Error {
	cp := *e
	cp.status = status
	return &cp
}

// Status reports the HTTP status for this error.
func (e *Error) Status() int {
	if e.status != 0 {
		return e.status
	}
	return ToHTTPStatus(e.Code)
}

// New creates a domain error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// As extracts the first *Error in the chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	de, ok := As(err)
	return ok && de.Code == code
}

// HasCode is an alias of Is kept for readability at call sites that branch on several codes.
func HasCode(err error, code Code) bool {
	return Is(err, code)
}

// ToHTTPStatus maps a code to its HTTP status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeInvalidInput, CodeValidation, CodeInvalidRequest,
		CodeInvalidGrant, CodeUnsupportedGrantType, CodeUnsupportedResponseType,
		CodeInvalidScope:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout, CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
