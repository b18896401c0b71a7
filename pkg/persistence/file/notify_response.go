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

// NotifyResponseRepository keeps one document per correlation id. The mutex makes the
// existence check and the write atomic within the process.
type NotifyResponseRepository struct {
	dir string
	mu  sync.Mutex
}

func NewNotifyResponseRepository(root string) *NotifyResponseRepository {
	return &NotifyResponseRepository{dir: filepath.Join(root, "notify_responses")}
}

func (r *NotifyResponseRepository) SaveIfAbsent(_ context.Context, response *models.NotifyResponse) (bool, error) {
	if err := validateKeyPart(response.CorrelationID); err != nil {
		return false, persistence.NewRepositoryError("SaveIfAbsent", response.CorrelationID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := os.Stat(filepath.Join(r.dir, response.CorrelationID+".json"))
	if err == nil {
		return false, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to stat notify response %s: %w", response.CorrelationID, err)
	}

	if response.CreatedAt.IsZero() {
		response.CreatedAt = time.Now().UTC()
	}

	err = writeJSON(r.dir, response.CorrelationID, response)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *NotifyResponseRepository) GetByCorrelationIDs(
	_ context.Context,
	correlationIDs []string,
) (map[string]models.ResponseData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	responses := make(map[string]models.ResponseData, len(correlationIDs))

	for _, id := range correlationIDs {
		if err := validateKeyPart(id); err != nil {
			return nil, persistence.NewRepositoryError("GetByCorrelationIDs", id, err)
		}

		var response models.NotifyResponse

		err := readJSON(r.dir, id, &response)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("failed to read notify response %s: %w", id, err)
		}

		responses[id] = response.Data
	}

	return responses, nil
}
