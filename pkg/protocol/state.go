// Package protocol defines the contract between the engine and pluggable states.
package protocol

import (
	"context"
	"time"

	"github.com/dukex/conveyor/pkg/execution"
	"github.com/dukex/conveyor/pkg/models"
)

const (
	// DefaultStateTimeout applies when a state reports no timeout of its own.
	DefaultStateTimeout = 4 * time.Hour

	// InfiniteTimeout disables the supervisory expiry of a state.
	InfiniteTimeout time.Duration = -1
)

// State is one executable step.
type State interface {
	// Type returns the step-type tag the state was registered under.
	Type() string

	// Execute either completes synchronously with a terminal response, or dispatches delegate
	// tasks and returns an async RUNNING response carrying every correlation id it registered.
	Execute(ctx context.Context, ec *execution.Context) (*models.ExecutionResponse, error)

	// HandleAsyncResponse is called once, after every registered correlation id has a response.
	// Error-shaped and timeout-synthesized responses arrive in the same map as successful ones.
	HandleAsyncResponse(
		ctx context.Context,
		ec *execution.Context,
		responses map[string]models.ResponseData,
	) (*models.ExecutionResponse, error)

	// HandleAbortEvent finalizes the step's execution data into a failed-like state. It must be
	// idempotent.
	HandleAbortEvent(ctx context.Context, ec *execution.Context)

	// Timeout bounds how long the engine waits on the state before aborting it. Zero selects
	// DefaultStateTimeout and a negative value disables expiry.
	Timeout() time.Duration
}

// StateFactory creates state instances and provides metadata about the state type.
type StateFactory interface {
	// Create creates a new state from its configuration.
	Create(config map[string]any) (State, error)

	// ID returns the step-type tag.
	ID() string

	// Name returns the human-readable name for this state type.
	Name() string

	// Description returns a description of what this state does.
	Description() string

	// Schema returns the JSON schema for configuring this state.
	Schema() map[string]any
}

// EffectiveTimeout resolves the supervisory timeout of s.
func EffectiveTimeout(s State) time.Duration {
	timeout := s.Timeout()
	if timeout == 0 {
		return DefaultStateTimeout
	}

	return timeout
}
