// Package errors defines the error taxonomy shared by the throttling and
// failure-isolation components.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tidal-guard/internal/common/utils"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeOverload is returned when a concurrency slot could not be obtained in time
	ErrTypeOverload ErrorType = "overload"
	// ErrTypeCircuitOpen is returned when a breaker rejects a call without running it
	ErrTypeCircuitOpen ErrorType = "circuit_open"
	// ErrTypeTransient marks a failure that is expected to clear on retry
	ErrTypeTransient ErrorType = "transient"
	// ErrTypeFatal marks a failure that must not be retried
	ErrTypeFatal ErrorType = "fatal"
	// ErrTypeCancelled marks work abandoned because the caller gave up
	ErrTypeCancelled ErrorType = "cancelled"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeConnection represents connection-related errors
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeTimeout represents timeout errors
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// Sentinels for errors.Is. Any AppError of the same Type matches.
var (
	ErrOverloaded  = &AppError{Type: ErrTypeOverload, Message: "system overloaded"}
	ErrCircuitOpen = &AppError{Type: ErrTypeCircuitOpen, Message: "circuit open"}
	ErrCancelled   = &AppError{Type: ErrTypeCancelled, Message: "operation cancelled"}
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError of the same Type. A target that
// carries a Code only matches errors with that Code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Type == e.Type
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// OverloadError reports that no concurrency slot for category freed up within waited.
func OverloadError(category string, waited time.Duration) *AppError {
	return &AppError{
		Type:    ErrTypeOverload,
		Message: fmt.Sprintf("no %s slot available after %s", category, waited),
	}
}

// CircuitOpenError reports a rejected call on breaker name, open until resetAt.
func CircuitOpenError(name string, resetAt time.Time) *AppError {
	return &AppError{
		Type:    ErrTypeCircuitOpen,
		Message: fmt.Sprintf("circuit %s is open, resumes at %s", name, utils.FormatClock(resetAt)),
	}
}

// TransientError wraps cause as retryable
func TransientError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeTransient,
		Message: msg,
		Cause:   cause,
	}
}

// FatalError wraps cause as non-retryable
func FatalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeFatal,
		Message: msg,
		Cause:   cause,
	}
}

// CancelledError creates a new cancellation error
func CancelledError(operation string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeCancelled,
		Message: fmt.Sprintf("%s cancelled", operation),
		Cause:   cause,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if any error in err's chain is an AppError of errType
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, &AppError{Type: errType})
}

// GetType returns the type of the first AppError in err's chain, otherwise ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}
