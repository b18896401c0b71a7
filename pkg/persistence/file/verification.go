package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// VerificationRepository stores verification audit records as JSON documents.
type VerificationRepository struct {
	dir string
	mu  sync.Mutex
}

func NewVerificationRepository(root string) *VerificationRepository {
	return &VerificationRepository{dir: filepath.Join(root, "verifications")}
}

func (r *VerificationRepository) get(id string) (*models.VerificationRecord, error) {
	var record models.VerificationRecord

	err := readJSON(r.dir, id, &record)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewRepositoryError("GetByStateExecutionID", id, persistence.ErrVerificationRecordNotFound)
		}

		return nil, fmt.Errorf("failed to read verification record %s: %w", id, err)
	}

	return &record, nil
}

func (r *VerificationRepository) Save(_ context.Context, record *models.VerificationRecord) (bool, error) {
	if err := validateKeyPart(record.StateExecutionID); err != nil {
		return false, persistence.NewRepositoryError("Save", record.StateExecutionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	existing, err := r.get(record.StateExecutionID)

	switch {
	case err == nil && existing.ManualOverride:
		return false, nil
	case err == nil:
		record.CreatedAt = existing.CreatedAt
	case persistence.IsVerificationRecordNotFound(err):
		record.CreatedAt = now
	default:
		return false, err
	}

	record.UpdatedAt = now

	err = writeJSON(r.dir, record.StateExecutionID, record)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *VerificationRepository) GetByStateExecutionID(_ context.Context, stateExecutionID string) (*models.VerificationRecord, error) {
	if err := validateKeyPart(stateExecutionID); err != nil {
		return nil, persistence.NewRepositoryError("GetByStateExecutionID", stateExecutionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.get(stateExecutionID)
}

func (r *VerificationRepository) SetStatus(
	_ context.Context,
	stateExecutionID string,
	status models.ExecutionStatus,
	noData, manualOverride bool,
) error {
	if err := validateKeyPart(stateExecutionID); err != nil {
		return persistence.NewRepositoryError("SetStatus", stateExecutionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.get(stateExecutionID)
	if err != nil {
		return err
	}

	if record.ManualOverride && !manualOverride {
		return nil
	}

	record.Status = status
	record.NoData = noData
	record.ManualOverride = manualOverride
	record.UpdatedAt = time.Now().UTC()

	return writeJSON(r.dir, stateExecutionID, record)
}
