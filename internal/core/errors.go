// Package core provides the request model and error types shared by the
// codechat client, session service, and bridge server.
package core

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeUpstream indicates the assistant backend failed (5xx)
	ErrorTypeUpstream ErrorType = "upstream_error"
	// ErrorTypeTransport indicates the connection or response body failed mid-flight
	ErrorTypeTransport ErrorType = "transport_error"
	// ErrorTypeRateLimit indicates a rate limit error (429)
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeInvalidRequest indicates a client error (4xx)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAuthentication indicates an authentication error (401/403)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeNotFound indicates a not found error (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeBusy indicates a reply is already being generated
	ErrorTypeBusy ErrorType = "busy_error"
)

// Error is the base error type returned across package boundaries.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Upstream   string    `json:"upstream,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Upstream != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Upstream, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeBusy:
		return http.StatusConflict
	case ErrorTypeUpstream, ErrorTypeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *Error) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewUpstreamError creates a new upstream error (backend 5xx)
func NewUpstreamError(upstream string, statusCode int, message string, err error) *Error {
	return &Error{
		Type:       ErrorTypeUpstream,
		Message:    message,
		StatusCode: statusCode,
		Upstream:   upstream,
		Err:        err,
	}
}

// NewTransportError wraps a failure of the connection or of the response body.
func NewTransportError(upstream string, message string, err error) *Error {
	return &Error{
		Type:       ErrorTypeTransport,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Upstream:   upstream,
		Err:        err,
	}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(upstream string, message string) *Error {
	return &Error{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Upstream:   upstream,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *Error {
	return NewInvalidRequestErrorWithStatus(http.StatusBadRequest, message, err)
}

// NewInvalidRequestErrorWithStatus creates a new invalid request error with a specific status code
func NewInvalidRequestErrorWithStatus(statusCode int, message string, err error) *Error {
	return &Error{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(upstream string, message string) *Error {
	return &Error{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Upstream:   upstream,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewBusyError reports that a reply is already in flight (409)
func NewBusyError(message string) *Error {
	return &Error{
		Type:       ErrorTypeBusy,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// ParseUpstreamError maps a non-200 backend response to an *Error.
// The message is taken from error.message, then message, then the raw body.
func ParseUpstreamError(upstream string, statusCode int, body []byte, originalErr error) *Error {
	message := strings.TrimSpace(string(body))
	if gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "error.message"); m.Type == gjson.String && m.Str != "" {
			message = m.Str
		} else if m := gjson.GetBytes(body, "message"); m.Type == gjson.String && m.Str != "" {
			message = m.Str
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewAuthenticationError(upstream, message)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(upstream, message)
	case statusCode == http.StatusNotFound:
		err := NewNotFoundError(message)
		err.Upstream = upstream
		err.Err = originalErr
		return err
	case statusCode >= 400 && statusCode < 500:
		// Keep the backend's status so callers can tell 400 from 422
		err := NewInvalidRequestErrorWithStatus(statusCode, message, originalErr)
		err.Upstream = upstream
		return err
	default:
		return NewUpstreamError(upstream, http.StatusBadGateway, message, originalErr)
	}
}
