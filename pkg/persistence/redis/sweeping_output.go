package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// SweepingOutputRepository stores each output as one JSON string; SET replaces atomically.
type SweepingOutputRepository struct {
	client *redis.Client
}

func NewSweepingOutputRepository(client *redis.Client) *SweepingOutputRepository {
	return &SweepingOutputRepository{client: client}
}

func sweepingOutputKey(appID, name string, scope models.SweepingOutputScope, scopeID string) string {
	return fmt.Sprintf("%s:sweeping:%s:%s:%s:%s", keyPrefix, appID, scope, scopeID, name)
}

func (r *SweepingOutputRepository) Save(ctx context.Context, output *models.SweepingOutputInstance) error {
	if output.ID == "" {
		output.ID = uuid.New().String()
	}

	if output.CreatedAt.IsZero() {
		output.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal sweeping output %s: %w", output.Name, err)
	}

	key := sweepingOutputKey(output.AppID, output.Name, output.Scope, output.ScopeID())

	err = r.client.Set(ctx, key, data, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to save sweeping output %s: %w", output.Name, err)
	}

	return nil
}

func (r *SweepingOutputRepository) Find(
	ctx context.Context,
	appID, name string,
	scope models.SweepingOutputScope,
	scopeID string,
) (*models.SweepingOutputInstance, error) {
	data, err := r.client.Get(ctx, sweepingOutputKey(appID, name, scope, scopeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewRepositoryError("Find", name, persistence.ErrSweepingOutputNotFound)
		}

		return nil, fmt.Errorf("failed to read sweeping output %s: %w", name, err)
	}

	var output models.SweepingOutputInstance
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sweeping output %s: %w", name, err)
	}

	return &output, nil
}
