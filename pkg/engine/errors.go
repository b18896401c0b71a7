package engine

import (
	"errors"
	"fmt"
)

var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnknownStateType = errors.New("unknown state type")

	// Not Found (404).
	ErrExecutionNotFound = errors.New("state execution not found")

	// ErrExecutorClosed is returned by Start once Close has been called.
	ErrExecutorClosed = errors.New("executor closed")
)

// EngineError wraps engine errors with the operation and an API error code.
type EngineError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *EngineError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrUnknownStateType)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func newValidationError(op, code, message string, err error) *EngineError {
	return &EngineError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
