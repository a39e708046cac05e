// Package errors defines the unified error types for the cache and its
// upstream LLM providers. Provider-specific failures are mapped to LLMError;
// everything the pipeline reacts to is tagged with a Kind.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// LLMError represents a standardized error from an LLM provider or the
// embedding service. It contains all necessary information for error
// handling, logging, and client response.
type LLMError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common provider error types.
const (
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeConnection         = "connection_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeTransientUpstream  = "transient_upstream_error"
	TypeInternalError      = "internal_error"
	TypeContextLength      = "context_length_exceeded"
)

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Type:       TypeNotFound,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewConnectionError creates a connection failure error (502).
func NewConnectionError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeConnection,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewTransientUpstreamError creates a retryable upstream error for 5xx
// responses that are not plain 503s.
func NewTransientUpstreamError(provider, model string, statusCode int, message string) *LLMError {
	return &LLMError{
		StatusCode: statusCode,
		Message:    message,
		Type:       TypeTransientUpstream,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// retryableFragments are matched case-insensitively against error messages
// when no typed error is available. Only string-typed library errors take
// this path.
var retryableFragments = []string{
	"timeout",
	"connection",
	"network",
	"unavailable",
	"temporary",
	"rate limit",
	"503",
	"502",
	"504",
}

// MessageIndicatesRetryable reports whether an error message matches the
// retryable-substring heuristic.
func MessageIndicatesRetryable(msg string) bool {
	lower := strings.ToLower(msg)
	for _, frag := range retryableFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the error may be retried against the same
// provider. Typed errors are consulted first; untyped errors fall back to
// the message heuristic. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		switch tagged.Kind {
		case KindUpstreamFault, KindPoolTimeout:
			return true
		case KindValidationFault, KindContextExceeded, KindBudgetExceeded, KindCancelled, KindCircuitOpen:
			return false
		}
	}
	return MessageIndicatesRetryable(err.Error())
}
