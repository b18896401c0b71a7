// Package persistence provides the storage abstraction for state executions, sweeping outputs,
// notify responses and verification records.
package persistence

import (
	"context"

	"github.com/dukex/conveyor/pkg/models"
)

type Persistence interface {
	StateExecutionRepository() StateExecutionRepository
	SweepingOutputRepository() SweepingOutputRepository
	NotifyResponseRepository() NotifyResponseRepository
	VerificationRepository() VerificationRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// StateExecutionRepository stores state execution instances keyed by id.
type StateExecutionRepository interface {
	// Save inserts or replaces the instance unconditionally.
	Save(ctx context.Context, instance *models.StateExecutionInstance) error

	// GetByID returns ErrStateExecutionNotFound when no instance exists.
	GetByID(ctx context.Context, id string) (*models.StateExecutionInstance, error)

	// CompareAndSave replaces the stored instance only if its current status is one of from.
	// It reports whether the write happened.
	CompareAndSave(ctx context.Context, instance *models.StateExecutionInstance, from ...models.ExecutionStatus) (bool, error)

	ListByWorkflowExecution(ctx context.Context, workflowExecutionID string) ([]*models.StateExecutionInstance, error)
	ListByStatus(ctx context.Context, status models.ExecutionStatus) ([]*models.StateExecutionInstance, error)
}

// SweepingOutputRepository stores outputs under (app id, name, scope, scope id). Saving an
// existing key replaces its value.
type SweepingOutputRepository interface {
	Save(ctx context.Context, output *models.SweepingOutputInstance) error
	Find(ctx context.Context, appID, name string, scope models.SweepingOutputScope, scopeID string) (*models.SweepingOutputInstance, error)
}

// NotifyResponseRepository records at most one response per correlation id.
type NotifyResponseRepository interface {
	// SaveIfAbsent reports false when a response for the correlation id already exists.
	SaveIfAbsent(ctx context.Context, response *models.NotifyResponse) (bool, error)

	// GetByCorrelationIDs returns the responses found; missing ids are absent from the map.
	GetByCorrelationIDs(ctx context.Context, correlationIDs []string) (map[string]models.ResponseData, error)
}

// VerificationRepository stores verification audit records keyed by state execution id.
type VerificationRepository interface {
	// Save upserts the record unless the stored one carries a manual override, in which case
	// it reports false and leaves the stored record untouched.
	Save(ctx context.Context, record *models.VerificationRecord) (bool, error)

	GetByStateExecutionID(ctx context.Context, stateExecutionID string) (*models.VerificationRecord, error)

	// SetStatus sets the status flags of an existing record. A manual override always wins.
	SetStatus(ctx context.Context, stateExecutionID string, status models.ExecutionStatus, noData, manualOverride bool) error
}
