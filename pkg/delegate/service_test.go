package delegate_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/conveyor/pkg/delegate"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/mocks"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestService_QueueTask(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	expirer := &mocks.MockExpirer{}
	service := delegate.NewService(bus, expirer, testLogger())

	var published events.DelegateTaskQueued

	bus.On("Publish", mock.Anything, mock.AnythingOfType("string"), mock.AnythingOfType("events.DelegateTaskQueued")).
		Run(func(args mock.Arguments) {
			published = args.Get(2).(events.DelegateTaskQueued)
		}).
		Return(nil)
	expirer.On("ExpireAfter", mock.AnythingOfType("string"), models.DefaultDelegateTaskTimeout).Return()

	task := &models.DelegateTask{
		AccountID: "acc-1",
		AppID:     "app-1",
		TaskType:  models.TaskTypeShellScript,
	}

	waitID, err := service.QueueTask(context.Background(), task)
	require.NoError(t, err)

	assert.NotEmpty(t, waitID)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, waitID, task.WaitID)
	assert.Equal(t, models.DelegateTaskStatusQueued, task.Status)
	assert.Equal(t, waitID, published.Task.WaitID)
	assert.Equal(t, "app-1", published.AppID)

	bus.AssertCalled(t, "Publish", mock.Anything, waitID, mock.Anything)
	expirer.AssertCalled(t, "ExpireAfter", waitID, models.DefaultDelegateTaskTimeout)
}

func TestService_QueueTaskGeneratesFreshCorrelationIDs(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	expirer := &mocks.MockExpirer{}
	service := delegate.NewService(bus, expirer, testLogger())

	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	expirer.On("ExpireAfter", mock.Anything, time.Minute).Return()

	first, err := service.QueueTask(context.Background(), &models.DelegateTask{
		AccountID: "acc-1", TaskType: models.TaskTypeHTTPCheck, Timeout: time.Minute,
	})
	require.NoError(t, err)

	second, err := service.QueueTask(context.Background(), &models.DelegateTask{
		AccountID: "acc-1", TaskType: models.TaskTypeHTTPCheck, Timeout: time.Minute,
	})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestService_QueueTaskValidation(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	expirer := &mocks.MockExpirer{}
	service := delegate.NewService(bus, expirer, testLogger())

	_, err := service.QueueTask(context.Background(), &models.DelegateTask{TaskType: models.TaskTypeHTTPCheck})
	require.Error(t, err)

	bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	expirer.AssertNotCalled(t, "ExpireAfter", mock.Anything, mock.Anything)
}

func TestService_QueueTaskPublishFailureCancelsTimer(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	expirer := &mocks.MockExpirer{}
	service := delegate.NewService(bus, expirer, testLogger())

	var calls []string

	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { calls = append(calls, "Publish") }).
		Return(errors.New("broker down"))
	expirer.On("ExpireAfter", mock.AnythingOfType("string"), models.DefaultDelegateTaskTimeout).
		Run(func(mock.Arguments) { calls = append(calls, "ExpireAfter") }).
		Return()
	expirer.On("CancelExpiry", mock.AnythingOfType("string")).
		Run(func(mock.Arguments) { calls = append(calls, "CancelExpiry") }).
		Return()

	task := &models.DelegateTask{AccountID: "acc-1", TaskType: models.TaskTypeHTTPCheck}

	_, err := service.QueueTask(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")

	assert.Equal(t, []string{"ExpireAfter", "Publish", "CancelExpiry"}, calls)
	expirer.AssertCalled(t, "CancelExpiry", task.WaitID)
}

func TestService_QueueTaskArmsTimerBeforePublishing(t *testing.T) {
	t.Parallel()

	bus := &mocks.MockEventBus{}
	expirer := &mocks.MockExpirer{}
	service := delegate.NewService(bus, expirer, testLogger())

	armed := false

	expirer.On("ExpireAfter", mock.AnythingOfType("string"), time.Minute).
		Run(func(mock.Arguments) { armed = true }).
		Return()
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { assert.True(t, armed, "timer must be armed before the task is published") }).
		Return(nil)

	_, err := service.QueueTask(context.Background(), &models.DelegateTask{
		AccountID: "acc-1", TaskType: models.TaskTypeHTTPCheck, Timeout: time.Minute,
	})
	require.NoError(t, err)

	expirer.AssertNotCalled(t, "CancelExpiry", mock.Anything)
}
