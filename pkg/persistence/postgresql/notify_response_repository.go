package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/lib/pq"
)

// NotifyResponseRepository handles notify response database operations.
type NotifyResponseRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewNotifyResponseRepository creates a new notify response repository.
func NewNotifyResponseRepository(db *sql.DB, logger *slog.Logger) *NotifyResponseRepository {
	return &NotifyResponseRepository{db: db, logger: logger}
}

// SaveIfAbsent relies on the primary key: the first insert wins, redeliveries affect no rows.
func (r *NotifyResponseRepository) SaveIfAbsent(ctx context.Context, response *models.NotifyResponse) (bool, error) {
	data, err := json.Marshal(response.Data)
	if err != nil {
		return false, fmt.Errorf("failed to marshal notify response: %w", err)
	}

	if response.CreatedAt.IsZero() {
		response.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO notify_responses (correlation_id, data, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (correlation_id) DO NOTHING
	`, response.CorrelationID, data, response.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save notify response %s: %w", response.CorrelationID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected == 1, nil
}

// GetByCorrelationIDs retrieves the stored responses for the given ids.
func (r *NotifyResponseRepository) GetByCorrelationIDs(
	ctx context.Context,
	correlationIDs []string,
) (map[string]models.ResponseData, error) {
	responses := make(map[string]models.ResponseData, len(correlationIDs))
	if len(correlationIDs) == 0 {
		return responses, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT correlation_id, data FROM notify_responses WHERE correlation_id = ANY($1)`,
		pq.Array(correlationIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notify responses: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var (
			correlationID string
			raw           []byte
			data          models.ResponseData
		)

		if err := rows.Scan(&correlationID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan notify response: %w", err)
		}

		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notify response %s: %w", correlationID, err)
		}

		responses[correlationID] = data
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating over notify responses: %w", err)
	}

	return responses, nil
}
