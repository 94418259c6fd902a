package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Client errors (4xx equivalent)
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeInvalidInput ErrorType = "INVALID_INPUT"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeRateLimited  ErrorType = "RATE_LIMITED"

	// Server errors (5xx equivalent)
	ErrorTypeInternal    ErrorType = "INTERNAL"
	ErrorTypeUnavailable ErrorType = "UNAVAILABLE"
	ErrorTypeTimeout     ErrorType = "TIMEOUT"

	// Wallet session errors
	ErrorTypeConnectionRejected   ErrorType = "CONNECTION_REJECTED"
	ErrorTypeBalanceReadFailed    ErrorType = "BALANCE_READ_FAILED"
	ErrorTypeAuthenticationFailed ErrorType = "AUTHENTICATION_FAILED"
	ErrorTypeAPIRequestFailed     ErrorType = "API_REQUEST_FAILED"
)

// Error represents a structured error with context
type Error struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Stack      []string               `json:"-"`
	Cause      error                  `json:"-"`
	StatusCode int                    `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by type so errors.Is works against the
// package-level sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Code == "" || t.Code == e.Code)
}

// WithDetails adds details to the error
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// captureStack captures the current stack trace
func captureStack() []string {
	var stack []string
	for i := 2; i < 10; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn != nil && !strings.Contains(fn.Name(), "runtime.") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, fn.Name()))
		}
	}
	return stack
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	e := &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
		Stack:   captureStack(),
	}

	switch errorType {
	case ErrorTypeNotFound:
		e.StatusCode = http.StatusNotFound
	case ErrorTypeInvalidInput:
		e.StatusCode = http.StatusBadRequest
	case ErrorTypeUnauthorized, ErrorTypeAuthenticationFailed:
		e.StatusCode = http.StatusUnauthorized
	case ErrorTypeConflict, ErrorTypeConnectionRejected:
		e.StatusCode = http.StatusConflict
	case ErrorTypeRateLimited:
		e.StatusCode = http.StatusTooManyRequests
	case ErrorTypeTimeout:
		e.StatusCode = http.StatusRequestTimeout
	case ErrorTypeUnavailable, ErrorTypeBalanceReadFailed:
		e.StatusCode = http.StatusServiceUnavailable
	case ErrorTypeAPIRequestFailed:
		e.StatusCode = http.StatusBadGateway
	default:
		e.StatusCode = http.StatusInternalServerError
	}

	return e
}

// Common error constructors
func NotFound(resource string, id interface{}) *Error {
	return New(ErrorTypeNotFound, "RESOURCE_NOT_FOUND",
		fmt.Sprintf("%s not found", resource)).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func InvalidInput(field string, reason string) *Error {
	return New(ErrorTypeInvalidInput, "INVALID_INPUT",
		fmt.Sprintf("Invalid input for field '%s': %s", field, reason)).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func Unauthorized(reason string) *Error {
	return New(ErrorTypeUnauthorized, "UNAUTHORIZED", reason)
}

func Internal(message string) *Error {
	return New(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func Unavailable(service string) *Error {
	return New(ErrorTypeUnavailable, "UNAVAILABLE",
		fmt.Sprintf("%s is unavailable", service)).
		WithDetails("service", service)
}

func Timeout(operation string) *Error {
	return New(ErrorTypeTimeout, "TIMEOUT",
		fmt.Sprintf("Operation '%s' timed out", operation)).
		WithDetails("operation", operation)
}

// ConnectionRejected reports that the wallet refused to hand out an account.
func ConnectionRejected(reason string) *Error {
	return New(ErrorTypeConnectionRejected, "CONNECTION_REJECTED", reason)
}

// BalanceReadFailed reports a failed native or token balance read.
func BalanceReadFailed(kind, address string) *Error {
	return New(ErrorTypeBalanceReadFailed, "BALANCE_READ_FAILED",
		fmt.Sprintf("failed to read %s balance", kind)).
		WithDetails("kind", kind).
		WithDetails("address", address)
}

// AuthenticationFailed reports a handshake failure at the named step.
func AuthenticationFailed(step, address string) *Error {
	return New(ErrorTypeAuthenticationFailed, "AUTHENTICATION_FAILED",
		fmt.Sprintf("authentication failed at %s", step)).
		WithDetails("step", step).
		WithDetails("address", address)
}

// APIRequestFailed reports a backend failure, either transport or envelope level.
func APIRequestFailed(message string, status int) *Error {
	return New(ErrorTypeAPIRequestFailed, "API_REQUEST_FAILED", message).
		WithDetails("status", status)
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound             = &Error{Type: ErrorTypeNotFound}
	ErrConnectionRejected   = &Error{Type: ErrorTypeConnectionRejected}
	ErrBalanceReadFailed    = &Error{Type: ErrorTypeBalanceReadFailed}
	ErrAuthenticationFailed = &Error{Type: ErrorTypeAuthenticationFailed}
	ErrAPIRequestFailed     = &Error{Type: ErrorTypeAPIRequestFailed}
)

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == errorType
	}
	return false
}

// StatusCode returns the HTTP status for err, 500 for foreign errors.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.StatusCode != 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Message returns the user-facing message for err.
func Message(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
