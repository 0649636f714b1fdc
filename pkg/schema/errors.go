package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeExecution            = "EXECUTION_ERROR"
	ErrCodeTransitionNotAllowed = "TRANSITION_NOT_ALLOWED"
	ErrCodeVariableNotFound     = "VARIABLE_NOT_FOUND"
	ErrCodeEvaluation           = "EVALUATION_ERROR"
	ErrCodeEvaluationTimeout    = "EVALUATION_TIMEOUT"
	ErrCodeUnsafeExpression     = "UNSAFE_EXPRESSION"
	ErrCodeScriptFailed         = "SCRIPT_FAILED"
	ErrCodeScriptTimeout        = "SCRIPT_TIMEOUT"
	ErrCodeSubWorkflow          = "SUBWORKFLOW_ERROR"
	ErrCodeConcurrency          = "CONCURRENCY_CONFLICT"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeStore                = "STORE_ERROR"
)

// FlowError is the structured error type for all flowcore operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode extracts the code from a FlowError, or "" for other error types.
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given flowcore error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
