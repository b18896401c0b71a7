package verification_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/dukex/conveyor/pkg/delegate/tasks"
	"github.com/dukex/conveyor/pkg/execution"
	"github.com/dukex/conveyor/pkg/features"
	"github.com/dukex/conveyor/pkg/mocks"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/states/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []*models.DelegateTask
}

func (q *recordingQueue) QueueTask(_ context.Context, task *models.DelegateTask) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, task)
	task.ID = fmt.Sprintf("task-%d", len(q.tasks))
	task.WaitID = fmt.Sprintf("corr-%d", len(q.tasks))

	return task.WaitID, nil
}

type fixture struct {
	queue         *recordingQueue
	verifications persistence.VerificationRepository
	baselines     *verification.SweepingOutputBaselines
	factory       *verification.Factory
}

func newFixture(t *testing.T, flags string) *fixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	queue := &recordingQueue{}
	baselines := verification.NewSweepingOutputBaselines(store.SweepingOutputRepository())

	deps := protocol.Dependencies{
		Logger:        testLogger(),
		Delegates:     queue,
		Features:      features.Parse(flags),
		Verifications: store.VerificationRepository(),
	}

	return &fixture{
		queue:         queue,
		verifications: store.VerificationRepository(),
		baselines:     baselines,
		factory:       verification.NewFactory(deps, baselines),
	}
}

func newInstance(elements ...models.ContextElement) *models.StateExecutionInstance {
	instance := &models.StateExecutionInstance{
		ID:                  "se-verify",
		DisplayName:         "Verify Service",
		StateType:           verification.StateType,
		AccountID:           "acc-1",
		WorkflowExecutionID: "wf-1",
		Status:              models.ExecutionStatusRunning,
		ContextElements: models.ContextElements{
			&models.WorkflowStandardParams{AppID: "app-1", EnvID: "env-1", WorkflowExecutionID: "wf-1"},
			&models.PhaseElement{UUID: "phase-1", PhaseName: "Phase 1", ServiceID: "svc-1"},
		},
	}

	instance.ContextElements = append(instance.ContextElements, elements...)

	return instance
}

func instances(prefix string, count int, newInstance bool) []models.ContextElement {
	elements := make([]models.ContextElement, 0, count)
	for i := range count {
		elements = append(elements, &models.InstanceElement{
			UUID:        fmt.Sprintf("%s-%d", prefix, i),
			HostName:    fmt.Sprintf("%s-%d.internal", prefix, i),
			NewInstance: newInstance,
		})
	}

	return elements
}

func config(strategy models.ComparisonStrategy, tolerance models.Tolerance) map[string]any {
	return map[string]any{
		"comparisonStrategy": string(strategy),
		"tolerance":          int(tolerance),
		"providerUrl":        "http://analysis.internal/analyze",
	}
}

func payload(t *testing.T, risks ...models.RiskLevel) models.ResponseData {
	t.Helper()

	response, err := models.NewPayloadResponse(tasks.MetricAnalysisResult{Analyses: analyses(risks...)})
	require.NoError(t, err)

	return response
}

func execute(t *testing.T, f *fixture, cfg map[string]any, instance *models.StateExecutionInstance) (protocol.State, *execution.Context, *models.ExecutionResponse) {
	t.Helper()

	state, err := f.factory.Create(cfg)
	require.NoError(t, err)

	ec := execution.NewContext(instance)

	response, err := state.Execute(context.Background(), ec)
	require.NoError(t, err)
	require.NoError(t, response.Validate())

	return state, ec, response
}

func TestVerification_DispatchesOneTaskPerHostBatch(t *testing.T) {
	f := newFixture(t, "")

	elements := append(instances("new", 7, true), instances("old", 2, false)...)

	_, ec, response := execute(t, f, config(models.CompareWithCurrent, models.ToleranceMedium), newInstance(elements...))

	assert.True(t, response.Async)
	assert.Equal(t, []string{"corr-1", "corr-2"}, response.CorrelationIDs)
	require.Len(t, f.queue.tasks, 2)

	var first, second tasks.MetricAnalysisParams
	require.NoError(t, f.queue.tasks[0].DecodeParameters(&first))
	require.NoError(t, f.queue.tasks[1].DecodeParameters(&second))

	assert.Len(t, first.TestNodes, verification.HostBatchSize)
	assert.Len(t, second.TestNodes, 2)
	assert.Len(t, first.ControlNodes, 2)
	assert.Equal(t, models.TaskTypeMetricAnalysis, f.queue.tasks[0].TaskType)
	assert.Equal(t, "svc-1", first.ServiceID)

	record, err := f.verifications.GetByStateExecutionID(context.Background(), ec.StateExecutionID())
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, record.Status)
	assert.Equal(t, models.CompareWithCurrent, record.Strategy)
}

func TestVerification_SkipsWithoutBaselineNodes(t *testing.T) {
	f := newFixture(t, "")

	_, _, response := execute(t, f, config(models.CompareWithCurrent, models.ToleranceLow),
		newInstance(instances("new", 2, true)...))

	assert.False(t, response.Async)
	assert.Equal(t, models.ExecutionStatusSkipped, response.ExecutionStatus)
	assert.Contains(t, response.ErrorMessage, "No baseline nodes found")
	assert.Empty(t, f.queue.tasks)

	record, err := f.verifications.GetByStateExecutionID(context.Background(), "se-verify")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSkipped, record.Status)
}

func TestVerification_SkipsWithoutNewInstances(t *testing.T) {
	f := newFixture(t, "")

	_, _, response := execute(t, f, config(models.Predictive, models.ToleranceLow), newInstance())

	assert.Equal(t, models.ExecutionStatusSkipped, response.ExecutionStatus)
	assert.Empty(t, f.queue.tasks)
}

func TestVerification_InvalidConfigFailsWithoutDispatch(t *testing.T) {
	f := newFixture(t, "")

	cfg := config(models.CompareWithCurrent, 7)

	_, _, response := execute(t, f, cfg, newInstance(instances("new", 1, true)...))

	assert.Equal(t, models.ExecutionStatusFailed, response.ExecutionStatus)
	assert.Empty(t, response.CorrelationIDs)
	assert.Empty(t, f.queue.tasks)

	delete(cfg, "providerUrl")
	cfg["tolerance"] = 1

	_, _, response = execute(t, f, cfg, newInstance(instances("new", 1, true)...))
	assert.Equal(t, models.ExecutionStatusFailed, response.ExecutionStatus)
	assert.Contains(t, response.ErrorMessage, "ProviderURL is required")
}

func resume(
	t *testing.T,
	state protocol.State,
	ec *execution.Context,
	dispatched *models.ExecutionResponse,
	responses map[string]models.ResponseData,
) *models.ExecutionResponse {
	t.Helper()

	ec.Instance().ApplyResponse(dispatched, ec.Instance().CreatedAt)

	response, err := state.HandleAsyncResponse(context.Background(), ec, responses)
	require.NoError(t, err)

	return response
}

func TestVerification_MergesBatchesAndAppliesTolerance(t *testing.T) {
	f := newFixture(t, "")

	elements := append(instances("new", 6, true), instances("old", 1, false)...)
	state, ec, dispatched := execute(t, f, config(models.CompareWithCurrent, models.ToleranceMedium), newInstance(elements...))

	response := resume(t, state, ec, dispatched, map[string]models.ResponseData{
		"corr-1": payload(t, models.RiskLevelLow),
		"corr-2": payload(t, models.RiskLevelHigh),
	})

	assert.Equal(t, models.ExecutionStatusFailed, response.ExecutionStatus)
	assert.Contains(t, response.FailureTypes, models.FailureTypeVerification)

	var details models.VerificationExecutionData
	require.NoError(t, response.StateExecutionData.DecodeDetails(&details))
	assert.Len(t, details.Analyses, 2)
	assert.Equal(t, models.RiskLevelHigh, details.OverallRisk)

	record, err := f.verifications.GetByStateExecutionID(context.Background(), "se-verify")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, record.Status)
	assert.Equal(t, models.RiskLevelHigh, record.OverallRisk)
}

func TestVerification_NoAnalysisIsFailedWithLiteralMessage(t *testing.T) {
	f := newFixture(t, "")

	state, ec, dispatched := execute(t, f, config(models.Predictive, models.ToleranceHigh),
		newInstance(instances("new", 1, true)...))

	response := resume(t, state, ec, dispatched, map[string]models.ResponseData{"corr-1": payload(t)})

	assert.Equal(t, models.ExecutionStatusFailed, response.ExecutionStatus)
	assert.Equal(t, verification.NoAnalysisMessage, response.ErrorMessage)

	record, err := f.verifications.GetByStateExecutionID(context.Background(), "se-verify")
	require.NoError(t, err)
	assert.True(t, record.NoData)
}

func TestVerification_CollectionErrorIsError(t *testing.T) {
	f := newFixture(t, "")

	state, ec, dispatched := execute(t, f, config(models.Predictive, models.ToleranceHigh),
		newInstance(instances("new", 1, true)...))

	response := resume(t, state, ec, dispatched, map[string]models.ResponseData{
		"corr-1": models.NewTimeoutResponse("corr-1", 0),
	})

	assert.Equal(t, models.ExecutionStatusError, response.ExecutionStatus)
	assert.Equal(t, []models.FailureType{models.FailureTypeTimeout}, response.FailureTypes)
}

func TestVerification_SuppressionFeatureFlag(t *testing.T) {
	f := newFixture(t, features.SuppressAnomalies+":acc-1")

	state, ec, dispatched := execute(t, f, config(models.Predictive, models.ToleranceLow),
		newInstance(instances("new", 1, true)...))

	result, err := models.NewPayloadResponse(tasks.MetricAnalysisResult{Analyses: []models.MetricAnalysis{
		{MetricName: "latency", Risk: models.RiskLevelHigh, NonActionable: true},
	}})
	require.NoError(t, err)

	response := resume(t, state, ec, dispatched, map[string]models.ResponseData{"corr-1": result})

	assert.Equal(t, models.ExecutionStatusSuccess, response.ExecutionStatus)
}

func TestVerification_ManualOverrideIsNeverRecomputed(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	state, ec, dispatched := execute(t, f, config(models.Predictive, models.ToleranceLow),
		newInstance(instances("new", 1, true)...))

	require.NoError(t, f.verifications.SetStatus(ctx, "se-verify", models.ExecutionStatusSuccess, false, true))

	response := resume(t, state, ec, dispatched, map[string]models.ResponseData{
		"corr-1": payload(t, models.RiskLevelHigh),
	})
	assert.Equal(t, models.ExecutionStatusSuccess, response.ExecutionStatus)

	replayed, _, replay := execute(t, f, config(models.Predictive, models.ToleranceLow),
		newInstance(instances("new", 1, true)...))
	assert.Equal(t, models.ExecutionStatusSuccess, replay.ExecutionStatus)
	assert.False(t, replay.Async)
	assert.NotNil(t, replayed)

	record, err := f.verifications.GetByStateExecutionID(ctx, "se-verify")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, record.Status)
	assert.True(t, record.ManualOverride)
}

func TestVerification_CompareWithPreviousUsesRecordedBaseline(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, _, skipped := execute(t, f, config(models.CompareWithPrevious, models.ToleranceMedium),
		newInstance(instances("v1", 2, true)...))
	require.Equal(t, models.ExecutionStatusSkipped, skipped.ExecutionStatus)

	require.NoError(t, f.baselines.Record(ctx, "app-1", "svc-1", map[string]string{"v1-0.internal": "v1-0"}))

	instance := newInstance(instances("v2", 2, true)...)
	instance.ID = "se-verify-2"

	state, ec, dispatched := execute(t, f, config(models.CompareWithPrevious, models.ToleranceMedium), instance)
	require.True(t, dispatched.Async)

	var params tasks.MetricAnalysisParams
	require.NoError(t, f.queue.tasks[0].DecodeParameters(&params))
	assert.Equal(t, map[string]string{"v1-0.internal": "v1-0"}, params.ControlNodes)

	response := resume(t, state, ec, dispatched, map[string]models.ResponseData{
		"corr-1": payload(t, models.RiskLevelLow),
	})
	require.Equal(t, models.ExecutionStatusSuccess, response.ExecutionStatus)

	baseline, err := f.baselines.LastSuccessful(ctx, "app-1", "svc-1")
	require.NoError(t, err)
	assert.Len(t, baseline, 2)
	assert.Contains(t, baseline, "v2-0.internal")
}

func TestVerification_AbortIsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	state, ec, dispatched := execute(t, f, config(models.Predictive, models.ToleranceLow),
		newInstance(instances("new", 1, true)...))
	ec.Instance().ApplyResponse(dispatched, ec.Instance().CreatedAt)

	state.HandleAbortEvent(ctx, ec)
	state.HandleAbortEvent(ctx, ec)

	assert.Equal(t, models.ExecutionStatusAborted, ec.Instance().ExecutionData().Status)

	record, err := f.verifications.GetByStateExecutionID(ctx, "se-verify")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusAborted, record.Status)
}

func TestVerification_Timeout(t *testing.T) {
	f := newFixture(t, "")

	state, err := f.factory.Create(config(models.Predictive, models.ToleranceLow))
	require.NoError(t, err)
	assert.Equal(t, "45m0s", state.Timeout().String())

	cfg := config(models.Predictive, models.ToleranceLow)
	cfg["timeoutMillis"] = -1

	state, err = f.factory.Create(cfg)
	require.NoError(t, err)
	assert.Equal(t, protocol.InfiniteTimeout, state.Timeout())
}

func TestVerification_OverrideLandingDuringEvaluationWins(t *testing.T) {
	repository := &mocks.MockVerificationRepository{}
	notFound := persistence.NewRepositoryError("GetByStateExecutionID", "se-verify", persistence.ErrVerificationRecordNotFound)

	repository.On("GetByStateExecutionID", mock.Anything, "se-verify").Return(nil, notFound).Twice()
	repository.On("Save", mock.Anything, mock.MatchedBy(func(r *models.VerificationRecord) bool {
		return r.Status == models.ExecutionStatusRunning
	})).Return(true, nil).Once()
	repository.On("Save", mock.Anything, mock.MatchedBy(func(r *models.VerificationRecord) bool {
		return r.Status == models.ExecutionStatusFailed
	})).Return(false, nil).Once()
	repository.On("GetByStateExecutionID", mock.Anything, "se-verify").Return(&models.VerificationRecord{
		StateExecutionID: "se-verify",
		Status:           models.ExecutionStatusSuccess,
		ManualOverride:   true,
	}, nil).Once()

	f := &fixture{queue: &recordingQueue{}}
	f.factory = verification.NewFactory(protocol.Dependencies{
		Logger:        testLogger(),
		Delegates:     f.queue,
		Verifications: repository,
	}, nil)

	state, ec, dispatched := execute(t, f, config(models.Predictive, models.ToleranceLow),
		newInstance(instances("new", 1, true)...))

	response := resume(t, state, ec, dispatched, map[string]models.ResponseData{
		"corr-1": payload(t, models.RiskLevelHigh),
	})

	assert.Equal(t, models.ExecutionStatusSuccess, response.ExecutionStatus)
	assert.Empty(t, response.ErrorMessage)
	repository.AssertExpectations(t)
}
