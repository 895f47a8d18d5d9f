package apperrors

import (
	"errors"
	"net/http"
)

type Type string

const (
	TypeValidation   Type = "validation"
	TypeUnauthorized Type = "unauthorized"
	TypeForbidden    Type = "forbidden"
	TypeNotFound     Type = "not_found"
	TypeConflict     Type = "conflict"
	TypeRateLimited  Type = "rate_limited"
	TypeUnavailable  Type = "unavailable"
	TypeTimeout      Type = "timeout"
	TypeInternal     Type = "internal"
)

// AppError is the only error shape that crosses the HTTP boundary.
type AppError struct {
	Type    Type           `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// WithCause keeps the underlying error for logs. It is never rendered to clients.
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// HTTPStatus maps the error type to a response status.
func (e *AppError) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeUnauthorized:
		return http.StatusUnauthorized
	case TypeForbidden:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// From extracts an AppError from err. Unknown errors become a generic internal error.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternal("internal_error", "internal_error", nil).WithCause(err)
}

func newError(t Type, code, message string, details map[string]any) *AppError {
	return &AppError{
		Type:    t,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func NewInternal(code, message string, details map[string]any) *AppError {
	return newError(TypeInternal, code, message, details)
}

func NewValidation(code, message string, details map[string]any) *AppError {
	return newError(TypeValidation, code, message, details)
}

func NewUnauthorized(code, message string) *AppError {
	return newError(TypeUnauthorized, code, message, nil)
}

func NewForbidden(code, message string) *AppError {
	return newError(TypeForbidden, code, message, nil)
}

func NewNotFound(code, message string, details map[string]any) *AppError {
	return newError(TypeNotFound, code, message, details)
}

func NewConflict(code, message string, details map[string]any) *AppError {
	return newError(TypeConflict, code, message, details)
}

func NewRateLimited(code, message string, details map[string]any) *AppError {
	return newError(TypeRateLimited, code, message, details)
}

func NewUnavailable(code, message string, details map[string]any) *AppError {
	return newError(TypeUnavailable, code, message, details)
}

func NewTimeout(code, message string, details map[string]any) *AppError {
	return newError(TypeTimeout, code, message, details)
}
