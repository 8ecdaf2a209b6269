// Package apperrors provides standardized error handling for the engine.
// Every error surfaced by the core carries a semantic code that maps to an
// HTTP status for request-level callers and to a retry decision for the
// task runner.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code represents semantic error codes for consistent error handling.
type Code string

const (
	// Input and policy errors
	CodeInputRejected   Code = "INPUT_REJECTED"
	CodeValidationError Code = "VALIDATION_ERROR"

	// Budget and provider errors
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"
	CodeNoProvider     Code = "NO_PROVIDER"

	// Upstream errors
	CodeUpstreamTimeout Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamError   Code = "UPSTREAM_ERROR"

	// Data integrity errors
	CodeInvariantViolation Code = "INVARIANT_VIOLATION"

	// Resource errors
	CodeNotFound  Code = "NOT_FOUND"
	CodeForbidden Code = "FORBIDDEN"

	// Rate limiting
	CodeRateLimited Code = "RATE_LIMITED"

	// Catch-all
	CodeInternalError Code = "INTERNAL_ERROR"
)

// Error is the unified error structure returned by the engine.
type Error struct {
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
	cause   error
}

// Error implements the Go error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithTraceID attaches a trace ID for debugging.
func (e *Error) WithTraceID(traceID string) *Error {
	e.TraceID = traceID
	return e
}

// New creates a new error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a new error wrapping an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Newf creates a new error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewInputRejected flags an input that exceeds size or fails content policy.
func NewInputRejected(reason string) *Error {
	return New(CodeInputRejected, reason)
}

// NewBudgetExceeded flags a spent 24-hour token budget.
func NewBudgetExceeded(userID int64, limit int64) *Error {
	return &Error{
		Code:    CodeBudgetExceeded,
		Message: "daily token budget exceeded",
		Details: map[string]interface{}{"user_id": userID, "limit": limit},
	}
}

// NewNotFound flags a failed id resolution.
func NewNotFound(entity string, id interface{}) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]interface{}{"id": id},
	}
}

// NewRateLimited flags a rejected request with retry information.
func NewRateLimited(limit int, window string, retryAfter time.Duration) *Error {
	return &Error{
		Code:    CodeRateLimited,
		Message: fmt.Sprintf("rate limit exceeded: %d requests per %s", limit, window),
		Details: map[string]interface{}{
			"limit":               limit,
			"window":              window,
			"retry_after_seconds": int(retryAfter.Seconds()),
		},
	}
}

// CodeOf extracts the semantic code from any error, defaulting to
// INTERNAL_ERROR for unrecognized errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether a task-level error should be retried. Policy
// failures and integrity violations are permanent; upstream failures are
// transient.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeUpstreamTimeout, CodeUpstreamError, CodeInternalError:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a semantic code to the HTTP status for request callers.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInputRejected, CodeValidationError:
		return http.StatusBadRequest
	case CodeBudgetExceeded:
		return http.StatusPaymentRequired
	case CodeNoProvider:
		return http.StatusBadGateway
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeInvariantViolation:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes the error as a JSON response with the mapped status.
func WriteHTTP(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var e *Error
	if !errors.As(err, &e) {
		e = Wrap(CodeInternalError, "internal error", err)
	}

	if e.TraceID != "" {
		w.Header().Set("X-Trace-ID", e.TraceID)
	}
	if e.Code == CodeRateLimited {
		if details, ok := e.Details.(map[string]interface{}); ok {
			if retry, ok := details["retry_after_seconds"].(int); ok {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
			}
		}
	}

	w.WriteHeader(HTTPStatus(e))
	payload, _ := json.Marshal(map[string]*Error{"error": e})
	_, _ = w.Write(payload)
}
