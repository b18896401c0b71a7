package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/lib/pq"
)

const stateExecutionColumns = `id, display_name, state_type, account_id, app_id, workflow_id,
	workflow_execution_id, pipeline_execution_id, state_params, context_elements, state_execution_map,
	status, correlation_ids, error_message, failure_types, expiry_ts, created_at, updated_at, end_ts,
	correlation_deadlines`

// StateExecutionRepository handles state execution database operations.
type StateExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStateExecutionRepository creates a new state execution repository.
func NewStateExecutionRepository(db *sql.DB, logger *slog.Logger) *StateExecutionRepository {
	return &StateExecutionRepository{db: db, logger: logger}
}

type stateExecutionJSON struct {
	stateParams       []byte
	contextElements   []byte
	stateExecutionMap []byte
	correlationIDs    []byte
	failureTypes      []byte
	deadlines         []byte
}

func marshalStateExecution(instance *models.StateExecutionInstance) (*stateExecutionJSON, error) {
	var (
		out stateExecutionJSON
		err error
	)

	if out.stateParams, err = json.Marshal(instance.StateParams); err != nil {
		return nil, fmt.Errorf("failed to marshal state params: %w", err)
	}

	if out.contextElements, err = json.Marshal(instance.ContextElements); err != nil {
		return nil, fmt.Errorf("failed to marshal context elements: %w", err)
	}

	if out.stateExecutionMap, err = json.Marshal(instance.StateExecutionMap); err != nil {
		return nil, fmt.Errorf("failed to marshal state execution map: %w", err)
	}

	if out.correlationIDs, err = json.Marshal(instance.CorrelationIDs); err != nil {
		return nil, fmt.Errorf("failed to marshal correlation ids: %w", err)
	}

	if out.failureTypes, err = json.Marshal(instance.FailureTypes); err != nil {
		return nil, fmt.Errorf("failed to marshal failure types: %w", err)
	}

	if out.deadlines, err = json.Marshal(instance.CorrelationDeadlines); err != nil {
		return nil, fmt.Errorf("failed to marshal correlation deadlines: %w", err)
	}

	return &out, nil
}

// Save inserts or replaces a state execution.
func (r *StateExecutionRepository) Save(ctx context.Context, instance *models.StateExecutionInstance) error {
	docs, err := marshalStateExecution(instance)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO state_executions (` + stateExecutionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			state_type = EXCLUDED.state_type,
			account_id = EXCLUDED.account_id,
			app_id = EXCLUDED.app_id,
			workflow_id = EXCLUDED.workflow_id,
			workflow_execution_id = EXCLUDED.workflow_execution_id,
			pipeline_execution_id = EXCLUDED.pipeline_execution_id,
			state_params = EXCLUDED.state_params,
			context_elements = EXCLUDED.context_elements,
			state_execution_map = EXCLUDED.state_execution_map,
			status = EXCLUDED.status,
			correlation_ids = EXCLUDED.correlation_ids,
			error_message = EXCLUDED.error_message,
			failure_types = EXCLUDED.failure_types,
			expiry_ts = EXCLUDED.expiry_ts,
			updated_at = EXCLUDED.updated_at,
			end_ts = EXCLUDED.end_ts,
			correlation_deadlines = EXCLUDED.correlation_deadlines
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.DisplayName,
		instance.StateType,
		instance.AccountID,
		instance.AppID,
		instance.WorkflowID,
		instance.WorkflowExecutionID,
		instance.PipelineExecutionID,
		docs.stateParams,
		docs.contextElements,
		docs.stateExecutionMap,
		instance.Status,
		docs.correlationIDs,
		instance.ErrorMessage,
		docs.failureTypes,
		instance.ExpiryTs,
		instance.CreatedAt,
		instance.UpdatedAt,
		instance.EndTs,
		docs.deadlines,
	)
	if err != nil {
		return fmt.Errorf("failed to save state execution %s: %w", instance.ID, err)
	}

	return nil
}

// CompareAndSave updates the row only while its status is one of from.
func (r *StateExecutionRepository) CompareAndSave(
	ctx context.Context,
	instance *models.StateExecutionInstance,
	from ...models.ExecutionStatus,
) (bool, error) {
	docs, err := marshalStateExecution(instance)
	if err != nil {
		return false, err
	}

	statuses := make([]string, 0, len(from))
	for _, status := range from {
		statuses = append(statuses, string(status))
	}

	query := `
		UPDATE state_executions SET
			state_params = $2,
			context_elements = $3,
			state_execution_map = $4,
			status = $5,
			correlation_ids = $6,
			error_message = $7,
			failure_types = $8,
			expiry_ts = $9,
			updated_at = $10,
			end_ts = $11,
			correlation_deadlines = $12
		WHERE id = $1 AND status = ANY($13)
	`

	result, err := r.db.ExecContext(ctx, query,
		instance.ID,
		docs.stateParams,
		docs.contextElements,
		docs.stateExecutionMap,
		instance.Status,
		docs.correlationIDs,
		instance.ErrorMessage,
		docs.failureTypes,
		instance.ExpiryTs,
		instance.UpdatedAt,
		instance.EndTs,
		docs.deadlines,
		pq.Array(statuses),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update state execution %s: %w", instance.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		// Distinguish a lost race from a missing row.
		if _, err := r.GetByID(ctx, instance.ID); err != nil {
			return false, err
		}

		return false, nil
	}

	return true, nil
}

// GetByID retrieves a state execution by id.
func (r *StateExecutionRepository) GetByID(ctx context.Context, id string) (*models.StateExecutionInstance, error) {
	query := `SELECT ` + stateExecutionColumns + ` FROM state_executions WHERE id = $1`

	instance, err := r.scanStateExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", id, persistence.ErrStateExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to scan state execution: %w", err)
	}

	return instance, nil
}

// ListByWorkflowExecution retrieves every state execution of a workflow execution.
func (r *StateExecutionRepository) ListByWorkflowExecution(
	ctx context.Context,
	workflowExecutionID string,
) ([]*models.StateExecutionInstance, error) {
	query := `SELECT ` + stateExecutionColumns + ` FROM state_executions
		WHERE workflow_execution_id = $1 ORDER BY created_at ASC`

	return r.list(ctx, query, workflowExecutionID)
}

// ListByStatus retrieves every state execution with the given status.
func (r *StateExecutionRepository) ListByStatus(
	ctx context.Context,
	status models.ExecutionStatus,
) ([]*models.StateExecutionInstance, error) {
	query := `SELECT ` + stateExecutionColumns + ` FROM state_executions
		WHERE status = $1 ORDER BY created_at ASC`

	return r.list(ctx, query, status)
}

func (r *StateExecutionRepository) list(ctx context.Context, query string, args ...any) ([]*models.StateExecutionInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query state executions: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	instances := make([]*models.StateExecutionInstance, 0)

	for rows.Next() {
		instance, err := r.scanStateExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state execution: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating over state executions: %w", err)
	}

	return instances, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *StateExecutionRepository) scanStateExecution(row scanner) (*models.StateExecutionInstance, error) {
	var (
		instance                                                    models.StateExecutionInstance
		accountID, appID, workflowID, pipelineExecutionID, errorMsg sql.NullString
		docs                                                        stateExecutionJSON
		expiryTs, endTs                                             sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&instance.DisplayName,
		&instance.StateType,
		&accountID,
		&appID,
		&workflowID,
		&instance.WorkflowExecutionID,
		&pipelineExecutionID,
		&docs.stateParams,
		&docs.contextElements,
		&docs.stateExecutionMap,
		&instance.Status,
		&docs.correlationIDs,
		&errorMsg,
		&docs.failureTypes,
		&expiryTs,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&endTs,
		&docs.deadlines,
	)
	if err != nil {
		return nil, err
	}

	instance.AccountID = accountID.String
	instance.AppID = appID.String
	instance.WorkflowID = workflowID.String
	instance.PipelineExecutionID = pipelineExecutionID.String
	instance.ErrorMessage = errorMsg.String

	if expiryTs.Valid {
		instance.ExpiryTs = &expiryTs.Time
	}

	if endTs.Valid {
		instance.EndTs = &endTs.Time
	}

	targets := []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"state params", docs.stateParams, &instance.StateParams},
		{"context elements", docs.contextElements, &instance.ContextElements},
		{"state execution map", docs.stateExecutionMap, &instance.StateExecutionMap},
		{"correlation ids", docs.correlationIDs, &instance.CorrelationIDs},
		{"failure types", docs.failureTypes, &instance.FailureTypes},
		{"correlation deadlines", docs.deadlines, &instance.CorrelationDeadlines},
	}

	for _, target := range targets {
		if len(target.raw) == 0 || string(target.raw) == "null" {
			continue
		}

		if err := json.Unmarshal(target.raw, target.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", target.name, err)
		}
	}

	return &instance, nil
}
