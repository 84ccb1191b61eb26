package types

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIntegrity  ErrorType = "integrity"
	ErrorTypeTamper     ErrorType = "tamper"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// CoreError represents a structured error in the PHI core
type CoreError struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is matches errors by type and code so callers can compare against sentinels
func (e *CoreError) Is(target error) bool {
	var ce *CoreError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Type == ce.Type && e.Code == ce.Code
}

// Common error codes
const (
	ErrCodeIntegrityFailure   = "INTEGRITY_FAILURE"
	ErrCodeChainTamper        = "CHAIN_TAMPER_DETECTED"
	ErrCodeAppendConflict     = "APPEND_CONFLICT"
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodePlaintextTooLarge  = "PLAINTEXT_TOO_LARGE"
	ErrCodeUnknownKeyVersion  = "UNKNOWN_KEY_VERSION"
	ErrCodeAppendTimeout      = "APPEND_TIMEOUT"
	ErrCodeDuplicateEvent     = "DUPLICATE_EVENT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// Sentinel errors for errors.Is comparisons
var (
	ErrIntegrityFailure   = &CoreError{Type: ErrorTypeIntegrity, Code: ErrCodeIntegrityFailure}
	ErrChainTamper        = &CoreError{Type: ErrorTypeTamper, Code: ErrCodeChainTamper}
	ErrAppendConflict     = &CoreError{Type: ErrorTypeConflict, Code: ErrCodeAppendConflict}
	ErrStorageUnavailable = &CoreError{Type: ErrorTypeStorage, Code: ErrCodeStorageUnavailable}
	ErrAppendTimeout      = &CoreError{Type: ErrorTypeTimeout, Code: ErrCodeAppendTimeout}
)

// NewIntegrityError creates an error for AEAD tag or checksum mismatches.
// Decryption fails closed: callers never receive partial plaintext.
func NewIntegrityError(message string, cause error) *CoreError {
	return &CoreError{
		Type:    ErrorTypeIntegrity,
		Code:    ErrCodeIntegrityFailure,
		Message: message,
		Cause:   cause,
	}
}

// NewChainTamperError creates an error for hash chain verification failures
func NewChainTamperError(message string, details map[string]interface{}) *CoreError {
	return &CoreError{
		Type:    ErrorTypeTamper,
		Code:    ErrCodeChainTamper,
		Message: message,
		Details: details,
	}
}

// NewAppendConflictError creates an error for concurrent sequence assignment races
func NewAppendConflictError(message string) *CoreError {
	return &CoreError{
		Type:      ErrorTypeConflict,
		Code:      ErrCodeAppendConflict,
		Message:   message,
		Retryable: true,
	}
}

// NewStorageUnavailableError creates an error for backing store outages
func NewStorageUnavailableError(message string, cause error) *CoreError {
	return &CoreError{
		Type:      ErrorTypeStorage,
		Code:      ErrCodeStorageUnavailable,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewAppendTimeoutError creates an error for appends exceeding their bounded timeout
func NewAppendTimeoutError(message string, cause error) *CoreError {
	return &CoreError{
		Type:      ErrorTypeTimeout,
		Code:      ErrCodeAppendTimeout,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *CoreError {
	return &CoreError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *CoreError {
	return &CoreError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsRetryable reports whether the error is worth retrying
func IsRetryable(err error) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
