package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected    = "CYCLE_DETECTED"
	ErrCodeChainBroken      = "CHAIN_BROKEN"
	ErrCodeReplayDivergence = "REPLAY_DIVERGENCE"
	ErrCodeDispatch         = "DISPATCH_ERROR"
	ErrCodeLLM              = "LLM_ERROR"
	ErrCodeRetryExhausted   = "RETRY_EXHAUSTED"
	ErrCodeStore            = "STORE_ERROR"
)

// GastownError is the structured error type for all Gastown operations.
type GastownError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TaskID  string         `json:"task_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GastownError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GastownError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GastownError.
func NewError(code, message string) *GastownError {
	return &GastownError{Code: code, Message: message}
}

// NewErrorf creates a new GastownError with a formatted message.
func NewErrorf(code, format string, args ...any) *GastownError {
	return &GastownError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task ID to the error.
func (e *GastownError) WithTask(taskID string) *GastownError {
	e.TaskID = taskID
	return e
}

// WithCause attaches an underlying cause.
func (e *GastownError) WithCause(err error) *GastownError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GastownError) WithDetails(details map[string]any) *GastownError {
	e.Details = details
	return e
}
