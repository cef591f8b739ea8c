package models

import (
	"errors"
	"fmt"
	"net/http"
)

// AppErrorKind classifies request-processing failures for HTTP mapping.
type AppErrorKind int

const (
	// ErrValidation covers malformed or semantically invalid client input.
	ErrValidation AppErrorKind = iota
	// ErrRoutingFailed means no tier decision or endpoint could be produced.
	ErrRoutingFailed
	// ErrModelQueryFailed means every dispatch attempt against upstream failed.
	ErrModelQueryFailed
	// ErrEndpointTimeout means the upstream did not answer within its deadline.
	ErrEndpointTimeout
	// ErrStreamInterrupted means an established stream broke mid-flight.
	ErrStreamInterrupted
	// ErrConfig covers invalid or unusable configuration discovered at runtime.
	ErrConfig
	// ErrInternal is the catch-all for unexpected failures.
	ErrInternal
)

// AppError is the service-level error type carried up to the HTTP layer.
type AppError struct {
	Kind    AppErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// StatusCode maps the error kind to an HTTP status.
func (e *AppError) StatusCode() int {
	switch e.Kind {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrRoutingFailed, ErrModelQueryFailed, ErrStreamInterrupted:
		return http.StatusBadGateway
	case ErrEndpointTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewAppError builds an AppError with a formatted message.
func NewAppError(kind AppErrorKind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapAppError builds an AppError wrapping a cause.
func WrapAppError(kind AppErrorKind, err error, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsAppError extracts an *AppError from an error chain, or wraps err as
// an internal error so callers always have a status mapping.
func AsAppError(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return &AppError{Kind: ErrInternal, Message: "internal error", Err: err}
}
