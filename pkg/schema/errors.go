package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTaskFailed        = "TASK_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeWorkflowFailed    = "WORKFLOW_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCapacity          = "CAPACITY_EXCEEDED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeHealthCheck       = "HEALTH_CHECK_FAILED"
	ErrCodeStore             = "STORE_ERROR"
)

// ConduitError is the structured error type for all orchestrator operations.
type ConduitError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConduitError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConduitError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConduitError.
func NewError(code, message string) *ConduitError {
	return &ConduitError{Code: code, Message: message}
}

// NewErrorf creates a new ConduitError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConduitError {
	return &ConduitError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether the error code indicates a transient
// failure worth retrying. Validation and lifecycle errors are permanent.
func (e *ConduitError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTaskFailed, ErrCodeTimeout, ErrCodeStore, ErrCodeCapacity:
		return true
	default:
		return false
	}
}

// WithStep attaches a step ID to the error.
func (e *ConduitError) WithStep(stepID string) *ConduitError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConduitError) WithCause(err error) *ConduitError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConduitError) WithDetails(details map[string]any) *ConduitError {
	e.Details = details
	return e
}
