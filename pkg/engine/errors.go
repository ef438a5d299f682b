package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: command timeouts, propagation delays, concurrent policy edits.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: concurrent modifications, optimistic locking failures.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, permission denied, unmet preconditions.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource key that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if inner := e.unwrapMessage(); inner != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, inner)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewPreconditionError reports that phase cannot run because the listed
// dependencies are not complete.
func NewPreconditionError(phase string, unmet []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("phase %s requires completed phases: %s", phase, strings.Join(unmet, ", ")),
		nil,
	).WithCode(ErrCodePreconditionNotMet).
		WithOperation("run_phase").
		WithDetail("phase", phase).
		WithDetail("unmet", unmet)
}

// NewUnknownPhaseError reports a phase name that is not part of the workflow.
func NewUnknownPhaseError(phase string) *EngineError {
	return NewPermanentError(fmt.Sprintf("unknown phase: %s", phase), nil).
		WithCode(ErrCodeUnknownPhase).
		WithDetail("phase", phase)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
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

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// HasCode returns true if err is an EngineError carrying code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsPreconditionNotMet returns true if err reports unmet phase dependencies.
func IsPreconditionNotMet(err error) bool {
	return HasCode(err, ErrCodePreconditionNotMet)
}

// IsUnknownPhase returns true if err reports a phase outside the workflow.
func IsUnknownPhase(err error) bool {
	return HasCode(err, ErrCodeUnknownPhase)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"

	ErrCodePreconditionNotMet = "PRECONDITION_NOT_MET"
	ErrCodeUnknownPhase       = "UNKNOWN_PHASE"
	ErrCodeReconcileFailed    = "RECONCILE_FAILED"
	ErrCodePropagationTimeout = "PROPAGATION_TIMEOUT"
	ErrCodeCommandTimeout     = "COMMAND_TIMEOUT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRenderFailed       = "RENDER_FAILED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeStatePersistence   = "STATE_PERSISTENCE"
	ErrCodeInterrupted        = "INTERRUPTED"
)

// ClassForCode maps a failure code to its error class.
func ClassForCode(code string) ErrorClass {
	switch code {
	case ErrCodeReconcileFailed, ErrCodePropagationTimeout, ErrCodeCommandTimeout,
		ErrCodeCancelled, ErrCodeStatePersistence, ErrCodeInterrupted:
		return ErrorClassTransient
	case ErrCodeConflict:
		return ErrorClassConflict
	default:
		return ErrorClassPermanent
	}
}

// RetrySafe reports whether re-running the failed phase unchanged is a
// meaningful remedy for a failure with the given code.
func RetrySafe(code string) bool {
	return ClassForCode(code) != ErrorClassPermanent
}

// Guidance returns operator-facing remediation text for a failure code.
func Guidance(code string) string {
	switch code {
	case ErrCodePermissionDenied:
		return "the active identity lacks the required permissions; grant the missing roles (or authenticate as a privileged account) and re-run the phase"
	case ErrCodePropagationTimeout:
		return "the resource was created but is not visible yet; re-run the phase without changes once it propagates"
	case ErrCodeCommandTimeout:
		return "a command exceeded its timeout; check connectivity and re-run the phase"
	case ErrCodeNotFound:
		return "the resource is absent and cannot be created automatically; create it (or log in) manually, then re-run the phase"
	case ErrCodeRenderFailed:
		return "a command template references a value that is not available; check workflow inputs and produced values"
	case ErrCodePolicyDenied:
		return "a policy rejected the rendered resource; change the workflow inputs or the policy"
	case ErrCodeInterrupted:
		return "a previous run stopped while the phase was running; re-run the phase"
	case ErrCodeCancelled:
		return "the run was cancelled; re-run the phase"
	default:
		return "inspect the command output and re-run the phase; completed steps will be detected as already present"
	}
}
