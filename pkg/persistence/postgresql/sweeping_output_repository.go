package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/google/uuid"
)

// SweepingOutputRepository handles sweeping output database operations.
type SweepingOutputRepository struct {
	db *sql.DB
}

// NewSweepingOutputRepository creates a new sweeping output repository.
func NewSweepingOutputRepository(db *sql.DB) *SweepingOutputRepository {
	return &SweepingOutputRepository{db: db}
}

// Save upserts on the natural key; concurrent saves of one key serialize on the unique index.
func (r *SweepingOutputRepository) Save(ctx context.Context, output *models.SweepingOutputInstance) error {
	if output.ID == "" {
		output.ID = uuid.New().String()
	}

	if output.CreatedAt.IsZero() {
		output.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sweeping_outputs (
			id, app_id, name, scope, scope_id, pipeline_execution_id, workflow_execution_id,
			phase_execution_id, state_execution_id, value, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (app_id, name, scope, scope_id) DO UPDATE SET
			pipeline_execution_id = EXCLUDED.pipeline_execution_id,
			workflow_execution_id = EXCLUDED.workflow_execution_id,
			phase_execution_id = EXCLUDED.phase_execution_id,
			state_execution_id = EXCLUDED.state_execution_id,
			value = EXCLUDED.value,
			created_at = EXCLUDED.created_at
	`

	_, err := r.db.ExecContext(ctx, query,
		output.ID,
		output.AppID,
		output.Name,
		output.Scope,
		output.ScopeID(),
		nullString(output.PipelineExecutionID),
		nullString(output.WorkflowExecutionID),
		nullString(output.PhaseExecutionID),
		nullString(output.StateExecutionID),
		[]byte(output.Value),
		output.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save sweeping output %s: %w", output.Name, err)
	}

	return nil
}

// Find retrieves the output stored under the exact key.
func (r *SweepingOutputRepository) Find(
	ctx context.Context,
	appID, name string,
	scope models.SweepingOutputScope,
	scopeID string,
) (*models.SweepingOutputInstance, error) {
	query := `
		SELECT id, app_id, name, scope, pipeline_execution_id, workflow_execution_id,
			phase_execution_id, state_execution_id, value, created_at
		FROM sweeping_outputs
		WHERE app_id = $1 AND name = $2 AND scope = $3 AND scope_id = $4
	`

	var (
		output                                   models.SweepingOutputInstance
		pipelineID, workflowID, phaseID, stateID sql.NullString
		value                                    []byte
	)

	err := r.db.QueryRowContext(ctx, query, appID, name, scope, scopeID).Scan(
		&output.ID,
		&output.AppID,
		&output.Name,
		&output.Scope,
		&pipelineID,
		&workflowID,
		&phaseID,
		&stateID,
		&value,
		&output.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("Find", name, persistence.ErrSweepingOutputNotFound)
		}

		return nil, fmt.Errorf("failed to scan sweeping output: %w", err)
	}

	output.PipelineExecutionID = pipelineID.String
	output.WorkflowExecutionID = workflowID.String
	output.PhaseExecutionID = phaseID.String
	output.StateExecutionID = stateID.String
	output.Value = value

	return &output, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
