package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// StateExecutionRepository stores one JSON document per state execution.
type StateExecutionRepository struct {
	dir string
	mu  sync.Mutex
}

func NewStateExecutionRepository(root string) *StateExecutionRepository {
	return &StateExecutionRepository{dir: filepath.Join(root, "state_executions")}
}

func (r *StateExecutionRepository) Save(_ context.Context, instance *models.StateExecutionInstance) error {
	if err := validateKeyPart(instance.ID); err != nil {
		return persistence.NewRepositoryError("Save", instance.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return writeJSON(r.dir, instance.ID, instance)
}

func (r *StateExecutionRepository) GetByID(_ context.Context, id string) (*models.StateExecutionInstance, error) {
	if err := validateKeyPart(id); err != nil {
		return nil, persistence.NewRepositoryError("GetByID", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.get(id)
}

func (r *StateExecutionRepository) get(id string) (*models.StateExecutionInstance, error) {
	var instance models.StateExecutionInstance

	err := readJSON(r.dir, id, &instance)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewRepositoryError("GetByID", id, persistence.ErrStateExecutionNotFound)
		}

		return nil, fmt.Errorf("failed to read state execution %s: %w", id, err)
	}

	return &instance, nil
}

func (r *StateExecutionRepository) CompareAndSave(
	_ context.Context,
	instance *models.StateExecutionInstance,
	from ...models.ExecutionStatus,
) (bool, error) {
	if err := validateKeyPart(instance.ID); err != nil {
		return false, persistence.NewRepositoryError("CompareAndSave", instance.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.get(instance.ID)
	if err != nil {
		return false, err
	}

	if !slices.Contains(from, current.Status) {
		return false, nil
	}

	err = writeJSON(r.dir, instance.ID, instance)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *StateExecutionRepository) ListByWorkflowExecution(
	_ context.Context,
	workflowExecutionID string,
) ([]*models.StateExecutionInstance, error) {
	return r.list(func(i *models.StateExecutionInstance) bool {
		return i.WorkflowExecutionID == workflowExecutionID
	})
}

func (r *StateExecutionRepository) ListByStatus(
	_ context.Context,
	status models.ExecutionStatus,
) ([]*models.StateExecutionInstance, error) {
	return r.list(func(i *models.StateExecutionInstance) bool {
		return i.Status == status
	})
}

func (r *StateExecutionRepository) list(match func(*models.StateExecutionInstance) bool) ([]*models.StateExecutionInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, err := listJSON(r.dir)
	if err != nil {
		return nil, err
	}

	instances := make([]*models.StateExecutionInstance, 0)

	for _, name := range names {
		instance, err := r.get(name)
		if err != nil {
			// Skip invalid files
			continue
		}

		if match(instance) {
			instances = append(instances, instance)
		}
	}

	slices.SortFunc(instances, func(a, b *models.StateExecutionInstance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return instances, nil
}
