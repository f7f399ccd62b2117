// Package apperror defines the application error taxonomy.
//
// Every failure class the pipeline cares about is a first-class *Error value
// with an HTTP status and a stable machine code. The boundary that owns the
// retry policy for a class catches it; everything else bubbles up to the
// supervising loop.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an application error with HTTP status and error code
type Error struct {
	HTTPStatus int
	Code       string
	Message    string
	Internal   error
	Details    map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the internal error
func (e *Error) Unwrap() error {
	return e.Internal
}

// Is matches errors by code, so sentinel comparisons survive WithMessage /
// WithInternal copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithInternal returns a copy of the error with an internal error attached
func (e *Error) WithInternal(err error) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   err,
		Details:    e.Details,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    message,
		Internal:   e.Internal,
		Details:    e.Details,
	}
}

// WithMessagef returns a copy of the error with a formatted message
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of the error with details attached
func (e *Error) WithDetails(details map[string]any) *Error {
	return &Error{
		HTTPStatus: e.HTTPStatus,
		Code:       e.Code,
		Message:    e.Message,
		Internal:   e.Internal,
		Details:    details,
	}
}

// New creates a new application error
func New(status int, code, message string) *Error {
	return &Error{
		HTTPStatus: status,
		Code:       code,
		Message:    message,
	}
}

// Pipeline error taxonomy. Every failure in the ingestion path collapses
// into one of these classes so retry and reporting decisions stay uniform:
// auth, not-found, rate-limit, transient, api, cancelled, storage,
// validation.
var (
	// ErrAuth marks invalid or expired upstream credentials. Never retried
	// in-band; the sync runner records the run as failed with category auth.
	ErrAuth = New(http.StatusUnauthorized, "auth_error", "Invalid or expired credentials")

	// ErrNotFound marks a resource removed upstream or absent locally.
	ErrNotFound = New(http.StatusNotFound, "not_found", "Resource not found")

	// ErrRateLimited is surfaced only when a caller refuses to wait; the
	// provider layer normally absorbs 429s by pausing until Retry-After.
	ErrRateLimited = New(http.StatusTooManyRequests, "rate_limited", "Upstream rate limit exceeded")

	// ErrTransient marks a 5xx or network failure still within its retry
	// budget. Exhausting the budget converts it to ErrAPI.
	ErrTransient = New(http.StatusBadGateway, "transient_api_error", "Transient upstream failure")

	// ErrAPI is a non-retryable upstream failure (4xx other than 401/404/429,
	// or exhausted 5xx retries).
	ErrAPI = New(http.StatusBadGateway, "api_error", "Upstream API error")

	// ErrCancelled marks cooperative cancellation. Never an error to the end
	// user; syncs report it as a terminal state.
	ErrCancelled = New(499, "cancelled", "Operation cancelled")

	// ErrStorage marks a blob store failure, fatal for the affected document.
	ErrStorage = New(http.StatusInternalServerError, "storage_error", "Storage operation failed")

	// ErrValidation marks bad input; reported to the caller, never retried.
	ErrValidation = New(http.StatusUnprocessableEntity, "validation_error", "Validation failed")

	// ErrOverloaded is returned when a bounded queue refuses new work.
	ErrOverloaded = New(http.StatusServiceUnavailable, "overloaded", "Queue at capacity")

	// Generic HTTP errors
	ErrBadRequest = New(http.StatusBadRequest, "bad_request", "Invalid request")
	ErrConflict   = New(http.StatusConflict, "conflict", "Resource already exists")
	ErrInternal   = New(http.StatusInternalServerError, "internal_error", "An internal error occurred")
)

// IsAuth reports whether err is (or wraps) an auth error
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsNotFound reports whether err is (or wraps) a not-found error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCancelled reports whether err is (or wraps) a cancellation
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsRetryable reports whether the work queue should retry the document after
// this error. Auth, validation, and cancellation are terminal per attempt.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAuth), errors.Is(err, ErrValidation), errors.Is(err, ErrCancelled), errors.Is(err, ErrNotFound):
		return false
	default:
		return true
	}
}

// NewBadRequest creates a bad request error with a custom message
func NewBadRequest(message string) *Error {
	return ErrBadRequest.WithMessage(message)
}

// NewNotFound creates a not found error for a resource type and ID
func NewNotFound(resourceType, id string) *Error {
	return ErrNotFound.WithMessage(fmt.Sprintf("%s '%s' not found", resourceType, id))
}

// NewInternal creates an internal error with a message and optional wrapped error
func NewInternal(message string, err error) *Error {
	return &Error{
		HTTPStatus: http.StatusInternalServerError,
		Code:       "internal_error",
		Message:    message,
		Internal:   err,
	}
}

// FromStatus maps an upstream HTTP status to the pipeline taxonomy.
func FromStatus(status int, body string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth.WithMessage(body)
	case status == http.StatusNotFound:
		return ErrNotFound.WithMessage(body)
	case status == http.StatusTooManyRequests:
		return ErrRateLimited.WithMessage(body)
	case status >= 500:
		return ErrTransient.WithMessagef("upstream returned %d: %s", status, body)
	default:
		return ErrAPI.WithMessagef("upstream returned %d: %s", status, body)
	}
}
