// Package errors provides the standardized error taxonomy for the engine.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeInputTooLong        ErrorCode = "INPUT_TOO_LONG"
	ErrCodeInputRejectedUnsafe ErrorCode = "INPUT_REJECTED_UNSAFE"

	// Output-stage safety rejects trigger the stage's retry/degrade policy
	// and are not surfaced directly to callers.
	ErrCodeOutputRejectedUnsafe ErrorCode = "OUTPUT_REJECTED_UNSAFE"

	ErrCodeModelQueueTimeout     ErrorCode = "MODEL_QUEUE_TIMEOUT"
	ErrCodeModelExecutionFailure ErrorCode = "MODEL_EXECUTION_FAILURE"
	ErrCodeJobCancelled          ErrorCode = "JOB_CANCELLED"

	ErrCodePersonaNotFound         ErrorCode = "PERSONA_NOT_FOUND"
	ErrCodePersonaBoundsViolation  ErrorCode = "PERSONA_BOUNDS_VIOLATION"
	ErrCodeSchemaValidationFailure ErrorCode = "SCHEMA_VALIDATION_FAILURE"

	ErrCodeStoreQueryFailed  ErrorCode = "STORE_QUERY_FAILED"
	ErrCodeStoreInsertFailed ErrorCode = "STORE_INSERT_FAILED"
	ErrCodeCacheUnavailable  ErrorCode = "CACHE_UNAVAILABLE"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Is lets errors.Is match two StandardErrors by code.
func (e *StandardError) Is(target error) bool {
	var other *StandardError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// CodeOf extracts the taxonomy code from err, or empty when err is not a
// StandardError.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ""
}

// ==========================
// 2. Error Constructors
// ==========================

// NewInputTooLongError creates a non-retryable oversized-input error.
func NewInputTooLongError(length, limit int) *StandardError {
	return &StandardError{
		Code:      ErrCodeInputTooLong,
		Message:   "Input exceeds maximum allowed length",
		Details:   fmt.Sprintf("length: %d, limit: %d", length, limit),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInputRejectedUnsafeError creates a non-retryable unsafe-input error.
func NewInputRejectedUnsafeError(reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInputRejectedUnsafe,
		Message:   "Input rejected by safety validation",
		Details:   reason,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewOutputRejectedUnsafeError creates an unsafe-output error; the owning
// stage handles it via retry/degrade and never caches the value.
func NewOutputRejectedUnsafeError(reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeOutputRejectedUnsafe,
		Message:   "Model output rejected by safety validation",
		Details:   reason,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewModelQueueTimeoutError creates a retryable queue-expiry error.
func NewModelQueueTimeoutError(stage string, waited time.Duration) *StandardError {
	return &StandardError{
		Code:      ErrCodeModelQueueTimeout,
		Message:   "Inference job expired before execution",
		Details:   fmt.Sprintf("stage: %s, waited: %s", stage, waited),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewModelExecutionFailureError wraps a backend fault; the original error is
// never propagated across component boundaries.
func NewModelExecutionFailureError(stage string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeModelExecutionFailure,
		Message:   "Model backend error during generation",
		Details:   fmt.Sprintf("stage: %s, error: %s", stage, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewJobCancelledError creates a non-retryable cancellation error for a job
// removed from the queue before execution.
func NewJobCancelledError(stage string) *StandardError {
	return &StandardError{
		Code:      ErrCodeJobCancelled,
		Message:   "Inference job cancelled while queued",
		Details:   fmt.Sprintf("stage: %s", stage),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewPersonaNotFoundError creates a non-retryable unknown-persona error.
func NewPersonaNotFoundError(name string) *StandardError {
	return &StandardError{
		Code:      ErrCodePersonaNotFound,
		Message:   "Persona not registered",
		Details:   fmt.Sprintf("name: %s", name),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewPersonaBoundsViolationError records a clamped delta. Never fatal to the
// caller; logged for auditability.
func NewPersonaBoundsViolationError(field string, requested, applied float64) *StandardError {
	return &StandardError{
		Code:      ErrCodePersonaBoundsViolation,
		Message:   "Persona delta outside valid range, clamped",
		Details:   fmt.Sprintf("field: %s, requested: %v, applied: %v", field, requested, applied),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSchemaValidationFailureError creates a structured-output mismatch error,
// handled by bounded retry then degrade.
func NewSchemaValidationFailureError(stage, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSchemaValidationFailure,
		Message:   "Model output did not match expected structure",
		Details:   fmt.Sprintf("stage: %s, %s", stage, details),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreQueryFailedError creates a retryable store read error.
func NewStoreQueryFailedError(entity string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreQueryFailed,
		Message:   "Store query failed",
		Details:   fmt.Sprintf("entity: %s, error: %s", entity, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreInsertFailedError creates a retryable store write error.
func NewStoreInsertFailedError(entity string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreInsertFailed,
		Message:   "Store insert failed",
		Details:   fmt.Sprintf("entity: %s, error: %s", entity, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewCacheUnavailableError wraps a cache backend fault. Callers treat this
// as a miss, not a failure.
func NewCacheUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCacheUnavailable,
		Message:   "Semantic cache backend unavailable",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// Normalize ensures any error crossing a component boundary is a
// StandardError.
func Normalize(err error) *StandardError {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr
	}
	return &StandardError{
		Code:      "INTERNAL_ERROR",
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// GetRetryCount returns the bounded retry budget per code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeSchemaValidationFailure,
		ErrCodeOutputRejectedUnsafe:
		return 1 // one stricter retry, then degrade

	case ErrCodeModelQueueTimeout,
		ErrCodeModelExecutionFailure,
		ErrCodeStoreQueryFailed,
		ErrCodeStoreInsertFailed,
		ErrCodeCacheUnavailable:
		return 2

	default:
		return 0 // validation/bounds errors: recovered locally, no retry
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "PERSONA"):
		return "PERSONA"
	case strings.Contains(codeStr, "MODEL") || strings.Contains(codeStr, "JOB"):
		return "INFERENCE"
	case strings.Contains(codeStr, "UNSAFE") || strings.Contains(codeStr, "SCHEMA") || strings.Contains(codeStr, "INPUT"):
		return "VALIDATION"
	case strings.Contains(codeStr, "STORE"):
		return "STORE"
	case strings.Contains(codeStr, "CACHE"):
		return "CACHE"
	default:
		return "OTHER"
	}
}
