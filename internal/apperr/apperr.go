// Package apperr defines the error taxonomy shared by the service layer and
// the HTTP handlers. Every service operation returns either a value or an
// *Error whose Kind decides the response status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the purposes of the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
)

// Stable machine-readable codes returned in error envelopes.
const (
	CodeInvalidInput            = "INVALID_INPUT"
	CodeMissingField            = "MISSING_FIELD"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeInvalidToken            = "INVALID_TOKEN"
	CodeTokenExpired            = "TOKEN_EXPIRED"
	CodeInvalidAPIKey           = "INVALID_API_KEY"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeNotFound                = "NOT_FOUND"
	CodeDuplicateResource       = "DUPLICATE_RESOURCE"
	CodeRateLimited             = "RATE_LIMITED"
	CodeInternal                = "INTERNAL_ERROR"
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// HTTPStatus returns the response status for errors of this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Message is safe to show to callers; Err holds
// the underlying cause and is only ever logged.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error without an underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap returns a classified error that keeps err as its cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Validation reports malformed or missing input.
func Validation(code, message string) *Error {
	return New(KindValidation, code, message)
}

// Unauthenticated reports bad credentials or an unusable token or key.
func Unauthenticated(code, message string) *Error {
	return New(KindAuthentication, code, message)
}

// Forbidden reports a valid credential that lacks a required permission.
func Forbidden(message string) *Error {
	return New(KindAuthorization, CodeInsufficientPermissions, message)
}

// NotFound reports a resource that is absent or not owned by the caller.
func NotFound(message string) *Error {
	return New(KindNotFound, CodeNotFound, message)
}

// Conflict reports a duplicate unique field.
func Conflict(message string, err error) *Error {
	return Wrap(KindConflict, CodeDuplicateResource, message, err)
}

// Internal wraps an unexpected failure behind a generic message.
func Internal(err error) *Error {
	return Wrap(KindInternal, CodeInternal, "Internal server error", err)
}

// As returns the classified error in err's chain, or nil if there is none.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return KindInternal
}
