// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrStateExecutionNotFound indicates no state execution exists for the given id.
	ErrStateExecutionNotFound = errors.New("state execution not found")

	// ErrSweepingOutputNotFound indicates no sweeping output exists under the probed key.
	ErrSweepingOutputNotFound = errors.New("sweeping output not found")

	// ErrVerificationRecordNotFound indicates no verification record exists for the state execution.
	ErrVerificationRecordNotFound = errors.New("verification record not found")

	// ErrInvalidID indicates an identifier that cannot be used as a storage key.
	ErrInvalidID = errors.New("invalid identifier")
)

// RepositoryError wraps storage errors with the operation and key involved.
type RepositoryError struct {
	Op  string // Operation being performed (e.g., "GetByID", "Save")
	Key string // Storage key the operation targeted
	Err error  // Underlying error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s operation failed for %s: %v", e.Op, e.Key, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for repository errors.
func (e *RepositoryError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRepositoryError creates a new repository error with context.
func NewRepositoryError(op, key string, err error) *RepositoryError {
	return &RepositoryError{Op: op, Key: key, Err: err}
}

// IsStateExecutionNotFound checks if an error indicates a state execution was not found.
func IsStateExecutionNotFound(err error) bool {
	return errors.Is(err, ErrStateExecutionNotFound)
}

// IsSweepingOutputNotFound checks if an error indicates a sweeping output was not found.
func IsSweepingOutputNotFound(err error) bool {
	return errors.Is(err, ErrSweepingOutputNotFound)
}

// IsVerificationRecordNotFound checks if an error indicates a verification record was not found.
func IsVerificationRecordNotFound(err error) bool {
	return errors.Is(err, ErrVerificationRecordNotFound)
}
