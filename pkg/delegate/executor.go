package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
)

const defaultMaxConcurrentTasks = 16

// ErrNoTaskHandler is reported back when a delegate has no handler for a task type.
var ErrNoTaskHandler = errors.New("no handler registered for task type")

// TaskHandler runs one task type on a delegate.
type TaskHandler interface {
	TaskType() models.TaskType
	Handle(ctx context.Context, task *models.DelegateTask) (any, error)
}

// ConnectivityError marks a failure to reach the target system.
type ConnectivityError struct {
	Target string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach %s: %v", e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// ClassifyError maps a handler error onto the error kind carried back to the manager.
func ClassifyError(err error) models.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorKindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrorKindTimeout
	}

	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return models.ErrorKindConnectivity
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return models.ErrorKindConnectivity
	}

	return models.ErrorKindApplication
}

// Executor consumes queued tasks and publishes one response per task.
type Executor struct {
	delegateID string
	publisher  eventbus.EventPublisher
	handlers   map[models.TaskType]TaskHandler
	logger     *slog.Logger

	slots   chan struct{}
	running sync.WaitGroup
}

func NewExecutor(delegateID string, publisher eventbus.EventPublisher, logger *slog.Logger, handlers ...TaskHandler) *Executor {
	registered := make(map[models.TaskType]TaskHandler, len(handlers))
	for _, handler := range handlers {
		registered[handler.TaskType()] = handler
	}

	return &Executor{
		delegateID: delegateID,
		publisher:  publisher,
		handlers:   registered,
		logger:     logger.With("module", "delegate_executor", "delegate_id", delegateID),
		slots:      make(chan struct{}, defaultMaxConcurrentTasks),
	}
}

// Register binds the executor to the queued task events of subscriber.
func (e *Executor) Register(subscriber eventbus.EventSubscriber) error {
	return subscriber.Handle(events.DelegateTaskQueuedEvent, e.HandleTask)
}

// HandleTask starts the task in the background and returns; the response is published when it ends.
func (e *Executor) HandleTask(ctx context.Context, event any) error {
	queued, ok := event.(*events.DelegateTaskQueued)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	task := queued.Task

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.running.Add(1)

	go func() {
		defer func() {
			<-e.slots
			e.running.Done()
		}()

		e.run(context.WithoutCancel(ctx), &task)
	}()

	return nil
}

// Wait blocks until every started task has published its response.
func (e *Executor) Wait() {
	e.running.Wait()
}

func (e *Executor) run(ctx context.Context, task *models.DelegateTask) {
	logger := e.logger.With("task_id", task.ID, "correlation_id", task.WaitID, "task_type", task.TaskType)
	logger.InfoContext(ctx, "running delegate task")

	data := e.execute(ctx, task)
	if data.IsError() {
		logger.WarnContext(ctx, "delegate task failed", "error", data.Error, "error_kind", data.ErrorKind)
	}

	response := events.DelegateTaskResponded{
		BaseEvent:     events.NewBaseEvent(events.DelegateTaskRespondedEvent, task.AppID),
		CorrelationID: task.WaitID,
		TaskID:        task.ID,
		DelegateID:    e.delegateID,
		Data:          data,
	}

	if err := e.publisher.Publish(ctx, task.WaitID, response); err != nil {
		logger.ErrorContext(ctx, "failed to publish delegate response", "error", err)
	}
}

func (e *Executor) execute(ctx context.Context, task *models.DelegateTask) (data models.ResponseData) {
	handler, ok := e.handlers[task.TaskType]
	if !ok {
		return models.NewErrorResponse(models.ErrorKindApplication,
			fmt.Sprintf("%s: %s", ErrNoTaskHandler, task.TaskType))
	}

	defer func() {
		if r := recover(); r != nil {
			data = models.NewErrorResponse(models.ErrorKindApplication, fmt.Sprintf("task handler panicked: %v", r))
		}
	}()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = models.DefaultDelegateTaskTimeout
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := handler.Handle(taskCtx, task)
	if err != nil {
		return models.NewErrorResponse(ClassifyError(err), err.Error())
	}

	data, err = models.NewPayloadResponse(result)
	if err != nil {
		return models.NewErrorResponse(models.ErrorKindApplication, err.Error())
	}

	return data
}
