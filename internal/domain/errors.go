package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAborted indicates a stream was deliberately cancelled. It is not a failure.
	ErrAborted = errors.New("stream aborted")

	// ErrCacheMiss indicates no cached entry was found.
	ErrCacheMiss = errors.New("cache miss")
)

// ValidationError reports a malformed request. No upstream call was made.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Message
}

// NewValidationError creates a ValidationError.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports missing or unusable credentials.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// NewConfigurationError creates a ConfigurationError.
func NewConfigurationError(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError reports a non-success response from the provider.
type UpstreamError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Message)
}

// StatusCode maps an error onto the HTTP status surfaced to the browser client.
func StatusCode(err error) int {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest
	}

	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return http.StatusBadRequest
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.StatusCode >= http.StatusBadRequest {
		return upstreamErr.StatusCode
	}

	return http.StatusInternalServerError
}

// PublicMessage returns the message that is safe to show to the browser client.
func PublicMessage(err error) string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Message
	}

	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return configErr.Message
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Message
	}

	return "failed to process chat completion"
}
