// Package errors provides a structured error system for tiercache with error codes, categories, and context.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Codec errors (serialization / compression)
	ErrCodeEncodeFailed     ErrorCode = "ENCODE_FAILED"
	ErrCodeDecodeFailed     ErrorCode = "DECODE_FAILED"
	ErrCodeCompressFailed   ErrorCode = "COMPRESS_FAILED"
	ErrCodeDecompressFailed ErrorCode = "DECOMPRESS_FAILED"

	// Durable tier errors
	ErrCodeDurableUnavailable ErrorCode = "DURABLE_UNAVAILABLE"
	ErrCodeDurableRead        ErrorCode = "DURABLE_READ"
	ErrCodeDurableWrite       ErrorCode = "DURABLE_WRITE"
	ErrCodeDurableTimeout     ErrorCode = "DURABLE_TIMEOUT"
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"

	// Input validation errors
	ErrCodeInvalidPattern ErrorCode = "INVALID_PATTERN"
	ErrCodeInvalidKey     ErrorCode = "INVALID_KEY"

	// State errors
	ErrCodeClosed         ErrorCode = "CLOSED"
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryCodec         ErrorCategory = "codec"
	CategoryDurable       ErrorCategory = "durable"
	CategoryValidation    ErrorCategory = "validation"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// categoryForCode maps error codes to their categories.
var categoryForCode = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:      CategoryConfiguration,
	ErrCodeConfigLoad:         CategoryConfiguration,
	ErrCodeConfigValidation:   CategoryConfiguration,
	ErrCodeEncodeFailed:       CategoryCodec,
	ErrCodeDecodeFailed:       CategoryCodec,
	ErrCodeCompressFailed:     CategoryCodec,
	ErrCodeDecompressFailed:   CategoryCodec,
	ErrCodeDurableUnavailable: CategoryDurable,
	ErrCodeDurableRead:        CategoryDurable,
	ErrCodeDurableWrite:       CategoryDurable,
	ErrCodeDurableTimeout:     CategoryDurable,
	ErrCodeCircuitOpen:        CategoryDurable,
	ErrCodeInvalidPattern:     CategoryValidation,
	ErrCodeInvalidKey:         CategoryValidation,
	ErrCodeClosed:             CategoryState,
	ErrCodeNotInitialized:     CategoryState,
	ErrCodeInternalError:      CategoryInternal,
}

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code     ErrorCode      `json:"code"`
	Category ErrorCategory  `json:"category"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`

	Cause     error     `json:"-"` // not serialized to avoid circular refs
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Component != "" {
		fmt.Fprintf(&b, " [%s]", e.Component)
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, " (%s)", e.Operation)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches two CacheErrors by code.
func (e *CacheError) IsCode(code ErrorCode) bool {
	return e.Code == code
}

// New creates a structured error with the given code and message.
func New(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		RequestID: uuid.NewString(),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *CacheError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error wrapping an underlying cause.
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	err := New(code, message)
	err.Cause = cause
	return err
}

// WithComponent attaches the originating component name.
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation attaches the operation that produced the error.
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithContext attaches a single key/value pair of diagnostic context.
func (e *CacheError) WithContext(key string, value any) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func categoryOf(code ErrorCode) ErrorCategory {
	if cat, ok := categoryForCode[code]; ok {
		return cat
	}
	return CategoryInternal
}

// CodeOf extracts the error code from an error chain, or ErrCodeInternalError
// when the chain contains no CacheError.
func CodeOf(err error) ErrorCode {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternalError
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Category == category
	}
	return false
}

// IsRetryable reports whether the error represents a transient durable-tier
// condition. Validation and configuration errors are never retryable.
func IsRetryable(err error) bool {
	var ce *CacheError
	if !stderrors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case ErrCodeDurableUnavailable, ErrCodeDurableRead, ErrCodeDurableWrite, ErrCodeDurableTimeout:
		return true
	default:
		return false
	}
}
