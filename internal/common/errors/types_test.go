package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name: "basic error",
			appError: &AppError{
				Type:    ErrTypeConfig,
				Message: "configuration is invalid",
			},
			want: "config: configuration is invalid",
		},
		{
			name: "error with code",
			appError: &AppError{
				Type:    ErrTypeOverload,
				Message: "no slot",
				Code:    "SLOT001",
			},
			want: "overload: no slot: code=SLOT001",
		},
		{
			name: "error with cause",
			appError: &AppError{
				Type:    ErrTypeConnection,
				Message: "catalog request failed",
				Cause:   errors.New("connection reset"),
			},
			want: "connection: catalog request failed: cause=connection reset",
		},
		{
			name: "context keys are sorted",
			appError: &AppError{
				Type:    ErrTypeValidation,
				Message: "setting rejected",
				Context: map[string]interface{}{
					"value": -1,
					"field": "failure_threshold",
				},
			},
			want: "validation: setting rejected: context={field=failure_threshold, value=-1}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	appError := TransientError("wrapper error", cause)

	if appError.Unwrap() != cause {
		t.Errorf("AppError.Unwrap() = %v, want %v", appError.Unwrap(), cause)
	}

	if ConfigError("no cause").Unwrap() != nil {
		t.Error("AppError.Unwrap() without cause should be nil")
	}
}

func TestAppError_WithContextAndCode(t *testing.T) {
	appError := ValidationError("validation failed")

	result := appError.WithContext("field", "country_code").WithCode("VAL001")
	if result != appError {
		t.Error("builders should return the same instance")
	}

	if appError.Context["field"] != "country_code" {
		t.Errorf("Context[field] = %v, want country_code", appError.Context["field"])
	}
	if appError.Code != "VAL001" {
		t.Errorf("Code = %v, want VAL001", appError.Code)
	}
}

func TestSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		want     bool
	}{
		{"overload matches", OverloadError("download", 90*time.Second), ErrOverloaded, true},
		{"wrapped overload matches", fmt.Errorf("wait: %w", OverloadError("search", time.Second)), ErrOverloaded, true},
		{"circuit open matches", CircuitOpenError("download", time.Now()), ErrCircuitOpen, true},
		{"overload is not circuit open", OverloadError("download", time.Second), ErrCircuitOpen, false},
		{"cancelled matches", CancelledError("download", context.Canceled), ErrCancelled, true},
		{"plain error", errors.New("boom"), ErrOverloaded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.sentinel); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs_MatchesCodeWhenTargetHasOne(t *testing.T) {
	target := ValidationError("unknown category").WithCode("UNKNOWN_CATEGORY")

	if !errors.Is(ValidationError("unknown category \"video\"").WithCode("UNKNOWN_CATEGORY"), target) {
		t.Error("errors with the same type and code should match")
	}
	if errors.Is(ValidationError("bad threshold"), target) {
		t.Error("a validation error without the code should not match a coded target")
	}
	if !errors.Is(target, &AppError{Type: ErrTypeValidation}) {
		t.Error("an uncoded target should match any code")
	}
}

func TestCancelledError_KeepsCause(t *testing.T) {
	err := CancelledError("retry", context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Error("cancelled error should unwrap to context.Canceled")
	}
}

func TestCircuitOpenError_Message(t *testing.T) {
	resetAt := time.Date(2024, 1, 1, 13, 4, 5, 0, time.UTC)
	err := CircuitOpenError("search", resetAt)

	want := "circuit_open: circuit search is open, resumes at 13:04:05"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestIsType(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		errType ErrorType
		want    bool
	}{
		{"matching type", ConfigError("test"), ErrTypeConfig, true},
		{"non-matching type", ConfigError("test"), ErrTypeFatal, false},
		{"wrapped app error", fmt.Errorf("ctx: %w", TimeoutError("search")), ErrTypeTimeout, true},
		{"non-app error", errors.New("regular error"), ErrTypeConfig, false},
		{"nil error", nil, ErrTypeConfig, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsType(tt.err, tt.errType); got != tt.want {
				t.Errorf("IsType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"app error", FatalError("test", nil), ErrTypeFatal},
		{"wrapped app error", fmt.Errorf("x: %w", OverloadError("search", time.Second)), ErrTypeOverload},
		{"regular error", errors.New("regular error"), ErrTypeInternal},
		{"nil error", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetType(tt.err); got != tt.want {
				t.Errorf("GetType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorChaining(t *testing.T) {
	originalErr := errors.New("original error")
	wrappedErr := InternalError("wrapped error", originalErr)

	if !errors.Is(wrappedErr, originalErr) {
		t.Error("errors.Is should work with wrapped AppError")
	}

	var appErr *AppError
	if !errors.As(wrappedErr, &appErr) {
		t.Error("errors.As should work with AppError")
	}

	if appErr.Type != ErrTypeInternal {
		t.Errorf("Unwrapped AppError type = %v, want %v", appErr.Type, ErrTypeInternal)
	}
}
