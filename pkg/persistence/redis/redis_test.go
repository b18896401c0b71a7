package redis_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/persistence/file"
	redispersistence "github.com/dukex/conveyor/pkg/persistence/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisContainer testcontainers.Container

func setupTestRedis(t *testing.T) (*redispersistence.Persistence, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if redisContainer == nil || !redisContainer.IsRunning() {
		var err error

		redisContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		require.NoError(t, err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "redis")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := redispersistence.NewPersistence(ctx, logger, endpoint+"/0", file.NewPersistence(t.TempDir()))
	require.NoError(t, err)

	t.Cleanup(func() {
		err := p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx
}

func TestSweepingOutputRepository_SaveReplacesValue(t *testing.T) {
	p, ctx := setupTestRedis(t)
	repo := p.SweepingOutputRepository()

	pipelineID := "pipe-" + time.Now().Format(time.RFC3339Nano)

	for _, value := range []string{"blue", "green"} {
		output := &models.SweepingOutputInstance{
			AppID:               "app-1",
			Name:                "slot",
			Scope:               models.SweepingOutputScopePipeline,
			PipelineExecutionID: pipelineID,
		}
		require.NoError(t, output.SetValue(value))
		require.NoError(t, repo.Save(ctx, output))
	}

	found, err := repo.Find(ctx, "app-1", "slot", models.SweepingOutputScopePipeline, pipelineID)
	require.NoError(t, err)

	var value string
	require.NoError(t, found.Decode(&value))
	assert.Equal(t, "green", value)

	_, err = repo.Find(ctx, "app-1", "slot", models.SweepingOutputScopeWorkflow, pipelineID)
	assert.True(t, persistence.IsSweepingOutputNotFound(err))
}

func TestNotifyResponseRepository_ConcurrentSaveIfAbsent(t *testing.T) {
	p, ctx := setupTestRedis(t)
	repo := p.NotifyResponseRepository()

	correlationID := "wait-" + time.Now().Format(time.RFC3339Nano)

	var (
		wg     sync.WaitGroup
		stored atomic.Int32
	)

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ok, err := repo.SaveIfAbsent(ctx, &models.NotifyResponse{
				CorrelationID: correlationID,
				Data:          models.NewErrorResponse(models.ErrorKindConnectivity, "refused"),
			})
			assert.NoError(t, err)

			if ok {
				stored.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), stored.Load())

	responses, err := repo.GetByCorrelationIDs(ctx, []string{correlationID, "unknown"})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, models.FailureTypeConnectivity, responses[correlationID].FailureType())
}

func TestPersistence_DelegatesToBase(t *testing.T) {
	p, ctx := setupTestRedis(t)

	require.NoError(t, p.HealthCheck(ctx))

	_, err := p.StateExecutionRepository().GetByID(ctx, "missing")
	assert.True(t, persistence.IsStateExecutionNotFound(err))
}
