package sweepingoutput_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/dukex/conveyor/pkg/execution"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/dukex/conveyor/pkg/sweepingoutput"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *sweepingoutput.Service {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return sweepingoutput.NewService(file.NewPersistence(t.TempDir()).SweepingOutputRepository(), logger)
}

func newContext(service *sweepingoutput.Service, stateID, phaseUUID string) *execution.Context {
	instance := &models.StateExecutionInstance{
		ID:                  stateID,
		DisplayName:         stateID,
		StateType:           "SHELL_SCRIPT",
		WorkflowExecutionID: "wf-1",
		PipelineExecutionID: "pipe-1",
		ContextElements: models.ContextElements{
			&models.WorkflowStandardParams{AppID: "app-1"},
		},
	}

	ec := execution.NewContext(instance, execution.WithSweepingOutputs(service))
	if phaseUUID != "" {
		ec.PushContextElement(&models.PhaseElement{UUID: phaseUUID, PhaseName: "phase-" + phaseUUID})
	}

	return ec
}

func TestService_PipelineValueVisibleFromNestedScopes(t *testing.T) {
	ctx := context.Background()
	service := newService(t)

	writer := newContext(service, "se-provision", "p-1")
	require.NoError(t, writer.SaveSweepingOutput(ctx, "infra", models.SweepingOutputScopePipeline, "cluster-a"))

	for _, reader := range []*execution.Context{
		newContext(service, "se-other", "p-2"),
		newContext(service, "se-outside-phase", ""),
	} {
		var value string
		require.NoError(t, reader.FindSweepingOutput(ctx, "infra", &value))
		assert.Equal(t, "cluster-a", value)
	}
}

func TestService_NarrowerScopeShadowsOnlyWithinItself(t *testing.T) {
	ctx := context.Background()
	service := newService(t)

	pipelineWriter := newContext(service, "se-1", "p-1")
	require.NoError(t, pipelineWriter.SaveSweepingOutput(ctx, "slot", models.SweepingOutputScopePipeline, "wide"))

	phaseWriter := newContext(service, "se-2", "p-2")
	require.NoError(t, phaseWriter.SaveSweepingOutput(ctx, "slot", models.SweepingOutputScopePhase, "narrow"))

	var value string

	require.NoError(t, newContext(service, "se-3", "p-2").FindSweepingOutput(ctx, "slot", &value))
	assert.Equal(t, "narrow", value)

	require.NoError(t, newContext(service, "se-4", "p-3").FindSweepingOutput(ctx, "slot", &value))
	assert.Equal(t, "wide", value)
}

func TestService_SaveNormalizesNarrowerIDs(t *testing.T) {
	ctx := context.Background()
	service := newService(t)

	output := &models.SweepingOutputInstance{
		AppID:               "app-1",
		Name:                "artifact",
		Scope:               models.SweepingOutputScopeWorkflow,
		PipelineExecutionID: "pipe-1",
		WorkflowExecutionID: "wf-1",
		PhaseExecutionID:    "wf-1p-1phase",
		StateExecutionID:    "se-1",
	}
	require.NoError(t, output.SetValue(map[string]string{"build": "42"}))
	require.NoError(t, service.Save(ctx, output))

	found, err := service.FindInstance(ctx, models.SweepingOutputInquiry{
		AppID:               "app-1",
		Name:                "artifact",
		WorkflowExecutionID: "wf-1",
		StateExecutionID:    "se-other",
	})
	require.NoError(t, err)
	assert.Empty(t, found.PhaseExecutionID)
	assert.Empty(t, found.StateExecutionID)
	assert.Equal(t, "wf-1", found.WorkflowExecutionID)
}

func TestService_SaveRejectsInvalidOutputs(t *testing.T) {
	ctx := context.Background()
	service := newService(t)

	err := service.Save(ctx, &models.SweepingOutputInstance{AppID: "app-1", Name: "x", Scope: "GLOBAL", Value: []byte(`1`)})
	require.Error(t, err)

	err = service.Save(ctx, &models.SweepingOutputInstance{AppID: "app-1", Name: "x", Scope: models.SweepingOutputScopeState, Value: []byte(`1`)})
	require.Error(t, err)

	err = service.Save(ctx, &models.SweepingOutputInstance{Name: "x", Scope: models.SweepingOutputScopeState, StateExecutionID: "se-1", Value: []byte(`1`)})
	require.Error(t, err)
}

func TestService_FindMissing(t *testing.T) {
	service := newService(t)

	_, err := service.FindInstance(context.Background(), models.SweepingOutputInquiry{
		AppID:               "app-1",
		Name:                "missing",
		PipelineExecutionID: "pipe-1",
	})
	assert.True(t, persistence.IsSweepingOutputNotFound(err))
}

func TestService_ConcurrentSavesKeepOneValue(t *testing.T) {
	ctx := context.Background()
	service := newService(t)

	var wg sync.WaitGroup

	for i := range 10 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			ec := newContext(service, fmt.Sprintf("se-%d", i), "")
			assert.NoError(t, ec.SaveSweepingOutput(ctx, "counter", models.SweepingOutputScopeWorkflow, i))
		}(i)
	}

	wg.Wait()

	var value int
	require.NoError(t, newContext(service, "se-reader", "").FindSweepingOutput(ctx, "counter", &value))
	assert.GreaterOrEqual(t, value, 0)
	assert.Less(t, value, 10)
}
