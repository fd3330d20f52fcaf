// Package core holds the canonical error taxonomy shared by the SDK and the
// call proxy.
package core

import (
	"fmt"
)

// Error represents a canonical API error.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`

	// UpstreamStatus and UpstreamBody carry the raw response from the voice
	// backend when the error originated there.
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	UpstreamBody   string `json:"upstream_body,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrUpstream       ErrorType = "upstream_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewPermissionError creates a permission error.
func NewPermissionError(message string) *Error {
	return &Error{
		Type:    ErrPermission,
		Message: message,
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// NewUpstreamError creates an error carrying an upstream response verbatim.
func NewUpstreamError(status int, body string) *Error {
	return &Error{
		Type:           typeForStatus(status),
		Message:        fmt.Sprintf("upstream returned status %d", status),
		UpstreamStatus: status,
		UpstreamBody:   body,
	}
}

func typeForStatus(status int) ErrorType {
	switch status {
	case 400:
		return ErrInvalidRequest
	case 401:
		return ErrAuthentication
	case 403:
		return ErrPermission
	case 404:
		return ErrNotFound
	case 429:
		return ErrRateLimit
	case 503:
		return ErrOverloaded
	default:
		if status >= 500 {
			return ErrUpstream
		}
		return ErrAPI
	}
}
