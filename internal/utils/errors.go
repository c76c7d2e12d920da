// internal/utils/errors.go

// Package utils provides logging, structured errors, rate limiting and
// clock helpers shared by every MediaHarvester component.
package utils

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns string representation of error severity
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode categorizes failures across the extraction pipeline.
type ErrorCode string

const (
	ErrCodeTransientNetwork  ErrorCode = "TRANSIENT_NETWORK"
	ErrCodeDetectionBlocked  ErrorCode = "DETECTION_BLOCKED"
	ErrCodeInvalidConfig     ErrorCode = "INVALID_CONFIG"
	ErrCodeInvalidTarget     ErrorCode = "INVALID_TARGET"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeFatalExecutor     ErrorCode = "FATAL_EXECUTOR"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeCancelled         ErrorCode = "CANCELLED"
	ErrCodeDeadlineExceeded  ErrorCode = "DEADLINE_EXCEEDED"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeExhausted         ErrorCode = "EXTRACTION_EXHAUSTED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrNotFound          = &StructuredError{Code: ErrCodeNotFound, Message: "not found"}
	ErrInvalidTarget     = &StructuredError{Code: ErrCodeInvalidTarget, Message: "invalid target"}
	ErrInvalidConfig     = &StructuredError{Code: ErrCodeInvalidConfig, Message: "invalid configuration"}
	ErrResourceExhausted = &StructuredError{Code: ErrCodeResourceExhausted, Message: "resource exhausted"}
	ErrFatalExecutor     = &StructuredError{Code: ErrCodeFatalExecutor, Message: "fatal executor error"}
	ErrDetection         = &StructuredError{Code: ErrCodeDetectionBlocked, Message: "detection"}
	ErrCancelled         = &StructuredError{Code: ErrCodeCancelled, Message: "cancelled"}
	ErrInvalidTransition = &StructuredError{Code: ErrCodeInvalidTransition, Message: "invalid transition"}
	ErrExhausted         = &StructuredError{Code: ErrCodeExhausted, Message: "all strategies exhausted"}
)

// StructuredError provides rich error information for better debugging and handling
type StructuredError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Severity    ErrorSeverity          `json:"severity"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"-"`
	Timestamp   time.Time              `json:"timestamp"`
	StackTrace  []string               `json:"stack_trace,omitempty"`
	Retryable   bool                   `json:"retryable"`
	UserMessage string                 `json:"user_message,omitempty"`
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target error code
func (e *StructuredError) Is(target error) bool {
	if se, ok := target.(*StructuredError); ok {
		return e.Code == se.Code
	}
	return false
}

// ErrorBuilder provides a fluent interface for creating structured errors
type ErrorBuilder struct {
	error *StructuredError
}

// ErrorConfig controls stack capture for errors built with NewError.
type ErrorConfig struct {
	StackTraceDepth  int  `yaml:"stack_trace_depth"`
	EnableStackTrace bool `yaml:"enable_stack_trace"`
}

// DefaultErrorConfig returns the default error configuration
func DefaultErrorConfig() *ErrorConfig {
	return &ErrorConfig{
		StackTraceDepth:  15,
		EnableStackTrace: false,
	}
}

var (
	errorConfigMu     sync.RWMutex
	globalErrorConfig = DefaultErrorConfig()
)

// SetGlobalErrorConfig sets the global error configuration
func SetGlobalErrorConfig(config *ErrorConfig) {
	if config == nil {
		return
	}
	errorConfigMu.Lock()
	globalErrorConfig = config
	errorConfigMu.Unlock()
}

// NewError creates a new error builder with default configuration
func NewError(code ErrorCode, message string) *ErrorBuilder {
	builder := &ErrorBuilder{
		error: &StructuredError{
			Code:      code,
			Message:   message,
			Severity:  SeverityError,
			Timestamp: time.Now(),
		},
	}
	errorConfigMu.RLock()
	cfg := *globalErrorConfig
	errorConfigMu.RUnlock()
	if cfg.EnableStackTrace {
		builder.error.StackTrace = captureStackTrace(cfg.StackTraceDepth)
	}
	return builder
}

// WithSeverity sets the error severity
func (eb *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	eb.error.Severity = severity
	return eb
}

// WithCause sets the underlying cause
func (eb *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	eb.error.Cause = cause
	return eb
}

// WithContext adds contextual information
func (eb *ErrorBuilder) WithContext(key string, value interface{}) *ErrorBuilder {
	if eb.error.Context == nil {
		eb.error.Context = make(map[string]interface{})
	}
	eb.error.Context[key] = value
	return eb
}

// WithRetryable marks the error as retryable
func (eb *ErrorBuilder) WithRetryable(retryable bool) *ErrorBuilder {
	eb.error.Retryable = retryable
	return eb
}

// WithUserMessage sets a user-friendly message
func (eb *ErrorBuilder) WithUserMessage(message string) *ErrorBuilder {
	eb.error.UserMessage = message
	return eb
}

// Build returns the constructed error
func (eb *ErrorBuilder) Build() *StructuredError {
	return eb.error
}

// WrapError wraps an existing error in a structured error
func WrapError(err error, code ErrorCode, message string) *StructuredError {
	return NewError(code, message).WithCause(err).Build()
}

// CodeOf returns the code of the first StructuredError in err's chain.
func CodeOf(err error) ErrorCode {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeDeadlineExceeded
	}
	return ErrCodeInternal
}

// SeverityOf returns the severity of the first StructuredError in err's
// chain, SeverityError otherwise.
func SeverityOf(err error) ErrorSeverity {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Severity
	}
	return SeverityError
}

// StackOf returns the captured stack of the first StructuredError in
// err's chain that has one.
func StackOf(err error) []string {
	for err != nil {
		if se, ok := err.(*StructuredError); ok && len(se.StackTrace) > 0 {
			return se.StackTrace
		}
		err = errors.Unwrap(err)
	}
	return nil
}

// UserMessage returns text that is safe to show to end users. It never
// includes stack traces, causes or pool internals.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *StructuredError
	if errors.As(err, &se) && se.UserMessage != "" {
		return se.UserMessage
	}
	switch CodeOf(err) {
	case ErrCodeInvalidTarget:
		return "The requested resource is not supported."
	case ErrCodeInvalidConfig:
		return "The extraction service is misconfigured."
	case ErrCodeFatalExecutor:
		return "The extraction backend failed and the task was aborted."
	case ErrCodeExhausted, ErrCodeDetectionBlocked:
		return "The video could not be retrieved after trying every available method."
	case ErrCodeResourceExhausted:
		return "No extraction capacity is available right now."
	case ErrCodeCancelled:
		return "The task was cancelled."
	case ErrCodeDeadlineExceeded:
		return "The task took too long and was stopped."
	case ErrCodeNotFound:
		return "The requested task does not exist."
	default:
		return "An unexpected error occurred."
	}
}

// IsRetryableError reports whether err is worth another attempt.
func IsRetryableError(err error) bool {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Retryable
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"eof",
		"502 bad gateway",
		"503 service unavailable",
		"504 gateway timeout",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func captureStackTrace(depth int) []string {
	if depth <= 0 {
		return nil
	}
	var stack []string
	for i := 3; len(stack) < depth; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		funcName := "unknown"
		if fn := runtime.FuncForPC(pc); fn != nil {
			funcName = fn.Name()
		}
		stack = append(stack, fmt.Sprintf("%s:%d (%s)", shortenFilePath(file), line, shortenFuncName(funcName)))
	}
	return stack
}

func shortenFilePath(filePath string) string {
	parts := strings.Split(filePath, "/")
	if len(parts) > 2 {
		return strings.Join(parts[len(parts)-2:], "/")
	}
	return filePath
}

func shortenFuncName(funcName string) string {
	parts := strings.Split(funcName, "/")
	lastPart := parts[len(parts)-1]
	if dotIndex := strings.LastIndex(lastPart, "."); dotIndex != -1 && dotIndex < len(lastPart)-1 {
		return lastPart[dotIndex+1:]
	}
	return lastPart
}
