package eventbus_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/conveyor/pkg/channels/gochannel"
	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, logger)

	t.Cleanup(func() {
		assert.NoError(t, bus.Close())
	})

	return bus
}

func TestWatermillEventBus_RoutesByEventType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)

	tasks := make(chan *events.DelegateTaskQueued, 1)
	responses := make(chan *events.DelegateTaskResponded, 1)

	require.NoError(t, bus.Handle(events.DelegateTaskQueuedEvent, func(_ context.Context, event any) error {
		tasks <- event.(*events.DelegateTaskQueued)

		return nil
	}))
	require.NoError(t, bus.Handle(events.DelegateTaskRespondedEvent, func(_ context.Context, event any) error {
		responses <- event.(*events.DelegateTaskResponded)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "wait-1", events.DelegateTaskQueued{
		BaseEvent: events.NewBaseEvent(events.DelegateTaskQueuedEvent, "app-1"),
		Task:      models.DelegateTask{ID: "task-1", WaitID: "wait-1", TaskType: models.TaskTypeHTTPCheck},
	}))
	require.NoError(t, bus.Publish(ctx, "wait-1", events.DelegateTaskResponded{
		BaseEvent:     events.NewBaseEvent(events.DelegateTaskRespondedEvent, "app-1"),
		CorrelationID: "wait-1",
		Data:          models.NewErrorResponse(models.ErrorKindTimeout, "slow"),
	}))

	select {
	case task := <-tasks:
		assert.Equal(t, "wait-1", task.Task.WaitID)
	case <-time.After(5 * time.Second):
		t.Fatal("task event not delivered")
	}

	select {
	case response := <-responses:
		assert.True(t, response.Data.IsTimeout())
	case <-time.After(5 * time.Second):
		t.Fatal("response event not delivered")
	}
}

func TestWatermillEventBus_FailedHandlerIsRedelivered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)

	var calls atomic.Int32

	done := make(chan struct{})

	require.NoError(t, bus.Handle(events.StateExecutionFinishedEvent, func(context.Context, any) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}

		close(done)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "se-1", events.StateExecutionFinished{
		BaseEvent:        events.NewBaseEvent(events.StateExecutionFinishedEvent, "app-1"),
		StateExecutionID: "se-1",
		Status:           models.ExecutionStatusSuccess,
	}))

	select {
	case <-done:
		assert.Equal(t, int32(2), calls.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("event not redelivered")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
