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
	"github.com/google/uuid"
)

// SweepingOutputRepository lays outputs out as sweeping_outputs/<app>/<scope>/<scope id>/<name>.json.
type SweepingOutputRepository struct {
	dir string
	mu  sync.RWMutex
}

func NewSweepingOutputRepository(root string) *SweepingOutputRepository {
	return &SweepingOutputRepository{dir: filepath.Join(root, "sweeping_outputs")}
}

func (r *SweepingOutputRepository) keyDir(appID string, scope models.SweepingOutputScope, scopeID, name string) (string, error) {
	for _, part := range []string{appID, string(scope), scopeID, name} {
		if err := validateKeyPart(part); err != nil {
			return "", err
		}
	}

	return filepath.Join(r.dir, appID, string(scope), scopeID), nil
}

func (r *SweepingOutputRepository) Save(_ context.Context, output *models.SweepingOutputInstance) error {
	dir, err := r.keyDir(output.AppID, output.Scope, output.ScopeID(), output.Name)
	if err != nil {
		return persistence.NewRepositoryError("Save", output.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if output.ID == "" {
		output.ID = uuid.New().String()
	}

	if output.CreatedAt.IsZero() {
		output.CreatedAt = time.Now().UTC()
	}

	return writeJSON(dir, output.Name, output)
}

func (r *SweepingOutputRepository) Find(
	_ context.Context,
	appID, name string,
	scope models.SweepingOutputScope,
	scopeID string,
) (*models.SweepingOutputInstance, error) {
	dir, err := r.keyDir(appID, scope, scopeID, name)
	if err != nil {
		return nil, persistence.NewRepositoryError("Find", name, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var output models.SweepingOutputInstance

	err = readJSON(dir, name, &output)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewRepositoryError("Find", name, persistence.ErrSweepingOutputNotFound)
		}

		return nil, fmt.Errorf("failed to read sweeping output %s: %w", name, err)
	}

	return &output, nil
}
