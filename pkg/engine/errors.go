// Package engine implements the plan/apply change orchestration core:
// plan compilation, approval binding, leased job execution, per-device
// circuit breaking, and rollback.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: device timeouts, momentary management-plane unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the device or management network is
	// shedding load; retries must back off.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, typically an
	// optimistic-concurrency failure on a plan or job record.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: validation failures, capability violations, expired approvals.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified error with device and operation context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Device is the device ID that caused the error, if applicable.
	Device string `json:"device,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Device != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (device=%s, operation=%s): %s",
			e.Class, e.Message, e.Device, e.Operation, e.unwrapMessage())
	}
	if e.Device != "" {
		return fmt.Sprintf("[%s] %s (device=%s): %s",
			e.Class, e.Message, e.Device, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithDevice adds device context to an error.
func (e *EngineError) WithDevice(deviceID string) *EngineError {
	e.Device = deviceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// IsTransient reports whether the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict reports whether the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent reports whether the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable reports whether the operation that produced the error can be
// retried. Transient and throttled errors are retryable.
func IsRetryable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled
	}
	return false
}

// HasCode reports whether the error carries the given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Error codes surfaced by the orchestration engine.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeAuthorization          = "AUTHORIZATION_ERROR"
	ErrCodeDeviceNotFound         = "DEVICE_NOT_FOUND"
	ErrCodeDeviceUnreachable      = "DEVICE_UNREACHABLE"
	ErrCodeDeviceRejected         = "DEVICE_REJECTED"
	ErrCodeApprovalExpired        = "APPROVAL_EXPIRED"
	ErrCodeTokenAlreadyUsed       = "TOKEN_ALREADY_USED"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeHealthDegraded         = "HEALTH_DEGRADED"
	ErrCodeRollbackFailed         = "ROLLBACK_FAILED"
	ErrCodeCircuitOpen            = "CIRCUIT_OPEN"
	ErrCodeLeaseHeld              = "LEASE_HELD"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeInternal               = "INTERNAL_ERROR"
)
