package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStructuredErrorIsMatchesByCode(t *testing.T) {
	err := NewError(ErrCodeNotFound, "task abc not found").WithContext("task_id", "abc").Build()
	wrapped := fmt.Errorf("lookup: %w", err)

	if !errors.Is(wrapped, ErrNotFound) {
		t.Errorf("errors.Is(wrapped, ErrNotFound) = false, want true")
	}
	if errors.Is(wrapped, ErrInvalidTarget) {
		t.Errorf("errors.Is(wrapped, ErrInvalidTarget) = true, want false")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"structured", NewError(ErrCodeFatalExecutor, "boom").Build(), ErrCodeFatalExecutor},
		{"wrapped structured", fmt.Errorf("x: %w", ErrInvalidConfig), ErrCodeInvalidConfig},
		{"context canceled", context.Canceled, ErrCodeCancelled},
		{"deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), ErrCodeDeadlineExceeded},
		{"plain", errors.New("plain"), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUserMessageHidesInternals(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.7:3128: connection refused")
	err := NewError(ErrCodeExhausted, "all attempts failed").
		WithCause(cause).
		WithContext("proxy", "10.0.0.7:3128").
		Build()

	msg := UserMessage(err)
	if msg == "" {
		t.Fatal("UserMessage() returned empty string")
	}
	if strings.Contains(msg, "10.0.0.7") || strings.Contains(msg, "refused") {
		t.Errorf("UserMessage() leaked internals: %q", msg)
	}

	custom := NewError(ErrCodeExhausted, "x").WithUserMessage("Blocked by rate limiting.").Build()
	if got := UserMessage(custom); got != "Blocked by rate limiting." {
		t.Errorf("UserMessage() = %q, want custom message", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewError(ErrCodeTransientNetwork, "x").WithRetryable(true).Build(), true},
		{NewError(ErrCodeFatalExecutor, "x").Build(), false},
		{errors.New("read tcp: i/o timeout"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("video is private"), false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSeverityOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorSeverity
	}{
		{"default structured", NewError(ErrCodeTransientNetwork, "reset").Build(), SeverityError},
		{"critical wrapped", fmt.Errorf("run: %w", NewError(ErrCodeFatalExecutor, "private").WithSeverity(SeverityCritical).Build()), SeverityCritical},
		{"plain", errors.New("plain"), SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SeverityOf(tt.err); got != tt.want {
				t.Errorf("SeverityOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStackTracesFollowLogConfig(t *testing.T) {
	defer SetGlobalErrorConfig(DefaultErrorConfig())

	tests := []struct {
		name      string
		cfg       LogConfig
		wantStack bool
	}{
		{"disabled", LogConfig{}, false},
		{"enabled", LogConfig{StackTraces: true, StackTraceDepth: 4}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := InitLogger(tt.cfg); err != nil {
				t.Fatalf("InitLogger() error = %v", err)
			}
			err := fmt.Errorf("upload: %w", NewError(ErrCodeInternal, "boom").Build())
			stack := StackOf(err)
			if (len(stack) > 0) != tt.wantStack {
				t.Fatalf("stack = %v, want captured %v", stack, tt.wantStack)
			}
			if len(stack) > tt.cfg.StackTraceDepth && tt.wantStack {
				t.Errorf("stack depth = %d, want at most %d", len(stack), tt.cfg.StackTraceDepth)
			}
		})
	}
}
