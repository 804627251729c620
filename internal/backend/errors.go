package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable is returned without contacting the server while the
	// circuit breaker is open.
	ErrUnavailable = errors.New("backend temporarily unavailable")

	// ErrSessionExpired is returned when a 401 cannot be recovered by
	// refreshing the access token.
	ErrSessionExpired = errors.New("session expired")

	// ErrSuperseded is returned to the caller of a request that was
	// cancelled by a newer request with the same dedupe key.
	ErrSuperseded = errors.New("request superseded")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	// Status is the HTTP status code.
	Status int

	// Detail is the server's error message, taken from a JSON "detail" or
	// "message" field when present, else the raw body.
	Detail string

	// RequestID is the X-Request-ID sent with the failing request.
	RequestID string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	text := http.StatusText(e.Status)
	if text == "" {
		text = "status"
	}
	if e.Detail != "" {
		return fmt.Sprintf("backend %d %s: %s (request=%s)", e.Status, text, e.Detail, e.RequestID)
	}
	return fmt.Sprintf("backend %d %s (request=%s)", e.Status, text, e.RequestID)
}

// IsStatus reports whether err is an *APIError with the given status.
// Uses errors.As to handle wrapped errors.
func IsStatus(err error, status int) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status == status
	}
	return false
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

// serverFault reports whether err should count against the circuit
// breaker: 5xx responses and transport errors do, 4xx responses and
// context cancellation or timeout do not.
func serverFault(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
