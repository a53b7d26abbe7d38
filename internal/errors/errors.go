// Package errors defines the classified error type returned by the service
// layer and its mapping onto HTTP status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a ServiceError.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindRateLimited     Kind = "rate_limited"
	KindInternal        Kind = "internal"
)

// ServiceError is an error with a user facing message and a kind that
// determines the HTTP status.
type ServiceError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches another ServiceError of the same kind.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// StatusFor maps a kind to its HTTP status code.
func StatusFor(kind Kind) int {
	switch kind {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// New builds a ServiceError of the given kind.
func New(kind Kind, message string) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, HTTPStatus: StatusFor(kind)}
}

// Wrap builds a ServiceError that keeps err as its cause.
func Wrap(kind Kind, message string, err error) *ServiceError {
	se := New(kind, message)
	se.Err = err
	return se
}

func Validation(message string) *ServiceError { return New(KindValidation, message) }

func Validationf(format string, args ...interface{}) *ServiceError {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func Unauthorized(message string) *ServiceError { return New(KindUnauthenticated, message) }

func InvalidToken(err error) *ServiceError {
	return Wrap(KindUnauthenticated, "Invalid or expired token", err)
}

func Forbidden(message string) *ServiceError { return New(KindForbidden, message) }

func NotFound(message string) *ServiceError { return New(KindNotFound, message) }

func Conflict(message string) *ServiceError { return New(KindConflict, message) }

func RateLimitExceeded(message string) *ServiceError {
	if message == "" {
		message = "Too many requests, please try again later"
	}
	return New(KindRateLimited, message)
}

// Internal hides err behind a generic message.
func Internal(message string, err error) *ServiceError {
	if message == "" {
		message = "Internal server error"
	}
	return Wrap(KindInternal, message, err)
}

// GetServiceError extracts a ServiceError from err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	se := GetServiceError(err)
	return se != nil && se.Kind == kind
}

// HTTPStatus resolves the status for any error; unclassified errors are 500.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the message safe to show a client.
func PublicMessage(err error) string {
	if se := GetServiceError(err); se != nil {
		return se.Message
	}
	return "Internal server error"
}
