package backend

import (
	"errors"
	"fmt"
)

// Kind classifies a backend failure. The dispatcher maps kinds to JSON-RPC
// error objects and HTTP statuses.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindPermission
	KindBadValue
	KindAuthentication
	KindUnaccomplishable
)

// Class returns the wire-visible error class name.
func (k Kind) Class() string {
	switch k {
	case KindNotFound:
		return "BackendMissingDataError"
	case KindPermission:
		return "BackendPermissionDeniedError"
	case KindBadValue:
		return "BackendBadValueError"
	case KindAuthentication:
		return "BackendAuthenticationError"
	case KindUnaccomplishable:
		return "BackendUnaccomplishableError"
	default:
		return "BackendError"
	}
}

// Error is a typed backend failure.
type Error struct {
	Kind    Kind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// NotFoundf builds a missing-object error.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// PermissionDeniedf builds a permission error.
func PermissionDeniedf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindPermission, Message: fmt.Sprintf(format, args...)}
}

// BadValuef builds a bad-input error.
func BadValuef(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBadValue, Message: fmt.Sprintf(format, args...)}
}

// Authenticationf builds an authentication error.
func Authenticationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthentication, Message: fmt.Sprintf(format, args...)}
}

// Unaccomplishablef builds a business-rule violation error.
func Unaccomplishablef(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnaccomplishable, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a typed error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// KindOf extracts the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// ClassOf returns the wire error class of err.
func ClassOf(err error) string {
	return KindOf(err).Class()
}
