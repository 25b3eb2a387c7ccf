package core

import (
	"errors"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name: "error with upstream",
			err: &Error{
				Type:     ErrorTypeUpstream,
				Message:  "backend error",
				Upstream: "assistant",
			},
			expected: "[assistant] upstream_error: backend error",
		},
		{
			name: "error without upstream",
			err: &Error{
				Type:    ErrorTypeInvalidRequest,
				Message: "bad request",
			},
			expected: "invalid_request_error: bad request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	originalErr := errors.New("connection reset")
	err := NewTransportError("assistant", "stream aborted", originalErr)

	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is(err, originalErr) = false, want true")
	}

	var target *Error
	if !errors.As(err, &target) {
		t.Fatal("errors.As should find *Error")
	}
	if target.Type != ErrorTypeTransport {
		t.Errorf("Type = %v, want %v", target.Type, ErrorTypeTransport)
	}
}

func TestError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected int
	}{
		{"explicit status code", &Error{Type: ErrorTypeUpstream, StatusCode: http.StatusServiceUnavailable}, http.StatusServiceUnavailable},
		{"rate limit default", &Error{Type: ErrorTypeRateLimit}, http.StatusTooManyRequests},
		{"invalid request default", &Error{Type: ErrorTypeInvalidRequest}, http.StatusBadRequest},
		{"authentication default", &Error{Type: ErrorTypeAuthentication}, http.StatusUnauthorized},
		{"not found default", &Error{Type: ErrorTypeNotFound}, http.StatusNotFound},
		{"busy default", &Error{Type: ErrorTypeBusy}, http.StatusConflict},
		{"upstream default", &Error{Type: ErrorTypeUpstream}, http.StatusBadGateway},
		{"transport default", &Error{Type: ErrorTypeTransport}, http.StatusBadGateway},
		{"unknown error type", &Error{Type: ErrorType("unknown")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_ToJSON(t *testing.T) {
	err := NewBusyError("a reply is already in flight")

	result := err.ToJSON()

	errorData, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatal("ToJSON() should return map with 'error' key")
	}
	if errorData["type"] != ErrorTypeBusy {
		t.Errorf("ToJSON() type = %v, want %v", errorData["type"], ErrorTypeBusy)
	}
	if errorData["message"] != "a reply is already in flight" {
		t.Errorf("ToJSON() message = %v", errorData["message"])
	}
}

func TestParseUpstreamError(t *testing.T) {
	tests := []struct {
		name        string
		statusCode  int
		body        string
		wantType    ErrorType
		wantStatus  int
		wantMessage string
	}{
		{
			name:        "unauthorized with nested message",
			statusCode:  http.StatusUnauthorized,
			body:        `{"error":{"message":"invalid access token"}}`,
			wantType:    ErrorTypeAuthentication,
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "invalid access token",
		},
		{
			name:        "forbidden",
			statusCode:  http.StatusForbidden,
			body:        `{"message":"forbidden"}`,
			wantType:    ErrorTypeAuthentication,
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "forbidden",
		},
		{
			name:        "rate limited",
			statusCode:  http.StatusTooManyRequests,
			body:        `{"error":{"message":"slow down"}}`,
			wantType:    ErrorTypeRateLimit,
			wantStatus:  http.StatusTooManyRequests,
			wantMessage: "slow down",
		},
		{
			name:        "not found",
			statusCode:  http.StatusNotFound,
			body:        `no such route`,
			wantType:    ErrorTypeNotFound,
			wantStatus:  http.StatusNotFound,
			wantMessage: "no such route",
		},
		{
			name:        "unprocessable keeps status",
			statusCode:  http.StatusUnprocessableEntity,
			body:        `{"error":{"message":"msgType is invalid"}}`,
			wantType:    ErrorTypeInvalidRequest,
			wantStatus:  http.StatusUnprocessableEntity,
			wantMessage: "msgType is invalid",
		},
		{
			name:        "server error maps to bad gateway",
			statusCode:  http.StatusInternalServerError,
			body:        `boom`,
			wantType:    ErrorTypeUpstream,
			wantStatus:  http.StatusBadGateway,
			wantMessage: "boom",
		},
		{
			name:        "empty body falls back to status text",
			statusCode:  http.StatusServiceUnavailable,
			body:        ``,
			wantType:    ErrorTypeUpstream,
			wantStatus:  http.StatusBadGateway,
			wantMessage: "Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseUpstreamError("assistant", tt.statusCode, []byte(tt.body), nil)
			if err.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", err.Type, tt.wantType)
			}
			if err.HTTPStatusCode() != tt.wantStatus {
				t.Errorf("HTTPStatusCode() = %d, want %d", err.HTTPStatusCode(), tt.wantStatus)
			}
			if err.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMessage)
			}
			if err.Upstream != "assistant" {
				t.Errorf("Upstream = %q, want assistant", err.Upstream)
			}
		})
	}
}
