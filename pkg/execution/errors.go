package execution

import (
	"errors"
	"fmt"

	"github.com/dukex/conveyor/pkg/models"
)

var (
	// ErrContextElementNotFound indicates a required element is absent from the stack.
	ErrContextElementNotFound = errors.New("context element not found")

	// ErrStandardParamsMissing indicates the stack carries no workflow standard params.
	ErrStandardParamsMissing = errors.New("workflow standard params missing from context")
)

// ContextError is a configuration fault raised by a context lookup. It is never retryable.
type ContextError struct {
	Op   string
	Type models.ContextElementType
	Err  error
}

func (e *ContextError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.Type, e.Err)
}

func (e *ContextError) Unwrap() error {
	return e.Err
}

func (e *ContextError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsConfigurationFault reports whether err comes from a missing context element.
func IsConfigurationFault(err error) bool {
	return errors.Is(err, ErrContextElementNotFound) || errors.Is(err, ErrStandardParamsMissing)
}
