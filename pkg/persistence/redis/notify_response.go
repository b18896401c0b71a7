package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

// NotifyResponseRepository records responses with SETNX so only the first delivery is kept.
type NotifyResponseRepository struct {
	client *redis.Client
}

func NewNotifyResponseRepository(client *redis.Client) *NotifyResponseRepository {
	return &NotifyResponseRepository{client: client}
}

func notifyResponseKey(correlationID string) string {
	return keyPrefix + ":notify:" + correlationID
}

func (r *NotifyResponseRepository) SaveIfAbsent(ctx context.Context, response *models.NotifyResponse) (bool, error) {
	if response.CreatedAt.IsZero() {
		response.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(response)
	if err != nil {
		return false, fmt.Errorf("failed to marshal notify response: %w", err)
	}

	ok, err := r.client.SetNX(ctx, notifyResponseKey(response.CorrelationID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to save notify response %s: %w", response.CorrelationID, err)
	}

	return ok, nil
}

func (r *NotifyResponseRepository) GetByCorrelationIDs(
	ctx context.Context,
	correlationIDs []string,
) (map[string]models.ResponseData, error) {
	responses := make(map[string]models.ResponseData, len(correlationIDs))
	if len(correlationIDs) == 0 {
		return responses, nil
	}

	keys := make([]string, 0, len(correlationIDs))
	for _, id := range correlationIDs {
		keys = append(keys, notifyResponseKey(id))
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notify responses: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}

		var response models.NotifyResponse
		if err := json.Unmarshal([]byte(raw), &response); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notify response %s: %w", correlationIDs[i], err)
		}

		responses[correlationIDs[i]] = response.Data
	}

	return responses, nil
}
