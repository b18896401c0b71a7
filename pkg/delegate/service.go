// Package delegate dispatches tasks to remote delegates and runs them on the delegate side.
package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Expirer arms the per-task deadline after which a timeout response is synthesized.
type Expirer interface {
	ExpireAfter(correlationID string, d time.Duration)
	CancelExpiry(correlationID string)
}

// Service is the manager side of delegate dispatch.
type Service struct {
	publisher eventbus.EventPublisher
	expirer   Expirer
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewService(publisher eventbus.EventPublisher, expirer Expirer, logger *slog.Logger) *Service {
	return &Service{
		publisher: publisher,
		expirer:   expirer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With("module", "delegate_service"),
	}
}

// QueueTask publishes task with a fresh correlation id and returns that id. The caller returns
// the id from Execute so the engine waits on it.
func (s *Service) QueueTask(ctx context.Context, task *models.DelegateTask) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	task.WaitID = uuid.New().String()
	task.Status = models.DelegateTaskStatusQueued
	task.CreatedAt = time.Now().UTC()

	if task.Timeout <= 0 {
		task.Timeout = models.DefaultDelegateTaskTimeout
	}

	if err := s.validate.Struct(task); err != nil {
		return "", fmt.Errorf("invalid delegate task: %w", err)
	}

	event := events.DelegateTaskQueued{
		BaseEvent: events.NewBaseEvent(events.DelegateTaskQueuedEvent, task.AppID),
		Task:      *task,
	}

	// Armed first so a response racing the publish never finds the id without a timer.
	s.expirer.ExpireAfter(task.WaitID, task.Timeout)

	if err := s.publisher.Publish(ctx, task.WaitID, event); err != nil {
		s.expirer.CancelExpiry(task.WaitID)

		return "", fmt.Errorf("failed to queue delegate task %s: %w", task.ID, err)
	}

	s.logger.InfoContext(ctx, "delegate task queued",
		"task_id", task.ID,
		"correlation_id", task.WaitID,
		"task_type", task.TaskType,
		"state_execution_id", task.StateExecutionID,
		"timeout", task.Timeout,
	)

	return task.WaitID, nil
}
