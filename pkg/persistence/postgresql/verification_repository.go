package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// VerificationRepository handles verification record database operations.
type VerificationRepository struct {
	db *sql.DB
}

// NewVerificationRepository creates a new verification repository.
func NewVerificationRepository(db *sql.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// Save upserts the record. The conflict branch is guarded so a manual override is never replaced.
func (r *VerificationRepository) Save(ctx context.Context, record *models.VerificationRecord) (bool, error) {
	analyses, err := record.AnalysesJSON()
	if err != nil {
		return false, fmt.Errorf("failed to marshal analyses: %w", err)
	}

	risk, err := record.OverallRisk.MarshalText()
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO verification_records (
			state_execution_id, account_id, app_id, workflow_execution_id, service_id, state_type,
			strategy, tolerance, status, overall_risk, no_data, manual_override, message, analyses,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (state_execution_id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			tolerance = EXCLUDED.tolerance,
			status = EXCLUDED.status,
			overall_risk = EXCLUDED.overall_risk,
			no_data = EXCLUDED.no_data,
			manual_override = EXCLUDED.manual_override,
			message = EXCLUDED.message,
			analyses = EXCLUDED.analyses,
			updated_at = EXCLUDED.updated_at
		WHERE verification_records.manual_override = false
	`

	result, err := r.db.ExecContext(ctx, query,
		record.StateExecutionID,
		record.AccountID,
		record.AppID,
		record.WorkflowExecutionID,
		record.ServiceID,
		record.StateType,
		record.Strategy,
		int(record.Tolerance),
		record.Status,
		string(risk),
		record.NoData,
		record.ManualOverride,
		record.Message,
		analyses,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save verification record %s: %w", record.StateExecutionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

// GetByStateExecutionID retrieves a verification record.
func (r *VerificationRepository) GetByStateExecutionID(ctx context.Context, stateExecutionID string) (*models.VerificationRecord, error) {
	query := `
		SELECT state_execution_id, account_id, app_id, workflow_execution_id, service_id, state_type,
			strategy, tolerance, status, overall_risk, no_data, manual_override, message, analyses,
			created_at, updated_at
		FROM verification_records
		WHERE state_execution_id = $1
	`

	var (
		record                                           models.VerificationRecord
		accountID, appID, workflowExecutionID, serviceID sql.NullString
		stateType, strategy, message                     sql.NullString
		tolerance                                        sql.NullInt64
		risk                                             string
		analyses                                         []byte
	)

	err := r.db.QueryRowContext(ctx, query, stateExecutionID).Scan(
		&record.StateExecutionID,
		&accountID,
		&appID,
		&workflowExecutionID,
		&serviceID,
		&stateType,
		&strategy,
		&tolerance,
		&record.Status,
		&risk,
		&record.NoData,
		&record.ManualOverride,
		&message,
		&analyses,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByStateExecutionID", stateExecutionID, persistence.ErrVerificationRecordNotFound)
		}

		return nil, fmt.Errorf("failed to scan verification record: %w", err)
	}

	record.AccountID = accountID.String
	record.AppID = appID.String
	record.WorkflowExecutionID = workflowExecutionID.String
	record.ServiceID = serviceID.String
	record.StateType = stateType.String
	record.Strategy = models.ComparisonStrategy(strategy.String)
	record.Tolerance = models.Tolerance(tolerance.Int64)
	record.Message = message.String

	if err := record.OverallRisk.UnmarshalText([]byte(risk)); err != nil {
		return nil, err
	}

	if len(analyses) > 0 {
		if err := json.Unmarshal(analyses, &record.Analyses); err != nil {
			return nil, fmt.Errorf("failed to unmarshal analyses: %w", err)
		}
	}

	return &record, nil
}

// SetStatus updates the status flags; rows holding a manual override only accept another override.
func (r *VerificationRepository) SetStatus(
	ctx context.Context,
	stateExecutionID string,
	status models.ExecutionStatus,
	noData, manualOverride bool,
) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE verification_records
		SET status = $2, no_data = $3, manual_override = $4, updated_at = $5
		WHERE state_execution_id = $1 AND (manual_override = false OR $4)
	`, stateExecutionID, status, noData, manualOverride, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update verification record %s: %w", stateExecutionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		_, err := r.GetByStateExecutionID(ctx, stateExecutionID)

		return err
	}

	return nil
}
