// Package verification decides whether a deployment phase passes, from the risk of its metrics
// compared with a baseline.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dukex/conveyor/pkg/delegate/tasks"
	"github.com/dukex/conveyor/pkg/execution"
	"github.com/dukex/conveyor/pkg/features"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/states"
)

const (
	StateType = "METRIC_VERIFICATION"

	// HostBatchSize is the number of test hosts analyzed by one delegate task.
	HostBatchSize = 5

	defaultDurationMinutes = 15
	collectionGrace        = 30 * time.Minute
)

type Config struct {
	Strategy        models.ComparisonStrategy `json:"comparisonStrategy"       validate:"required"`
	Tolerance       models.Tolerance          `json:"tolerance"                validate:"required"`
	ProviderURL     string                    `json:"providerUrl"              validate:"required"`
	Metrics         []string                  `json:"metrics,omitempty"`
	DurationMinutes int                       `json:"timeDuration,omitempty"`
	// TestNodes and ControlNodes are expressions rendering host lists; when empty the nodes come
	// from the instance elements on the context stack.
	TestNodes     []string `json:"testNodes,omitempty"`
	ControlNodes  []string `json:"controlNodes,omitempty"`
	NodeSeparator string   `json:"nodeSeparator,omitempty"`
	TimeoutMillis int64    `json:"timeoutMillis,omitempty"`
}

type State struct {
	config    Config
	deps      protocol.Dependencies
	baselines BaselineStore
	logger    *slog.Logger
}

func (s *State) Type() string { return StateType }

// Timeout is the configured timeout, or the analysis window plus a collection grace period.
func (s *State) Timeout() time.Duration {
	if s.config.TimeoutMillis != 0 {
		return states.TimeoutFromMillis(s.config.TimeoutMillis)
	}

	return time.Duration(s.durationMinutes())*time.Minute + collectionGrace
}

func (s *State) durationMinutes() int {
	if s.config.DurationMinutes <= 0 {
		return defaultDurationMinutes
	}

	return s.config.DurationMinutes
}

func (s *State) Execute(ctx context.Context, ec *execution.Context) (*models.ExecutionResponse, error) {
	if response := s.validate(); response != nil {
		return response, nil
	}

	if record, overridden := s.manualOverride(ctx, ec.StateExecutionID()); overridden {
		return s.overrideResponse(record, nil), nil
	}

	analysis, err := s.analysisContext(ctx, ec)
	if err != nil {
		return nil, err
	}

	data := &models.StateExecutionData{Status: models.ExecutionStatusRunning}
	execData := models.VerificationExecutionData{
		Strategy:     analysis.Strategy,
		Tolerance:    analysis.Tolerance,
		ControlNodes: analysis.ControlNodes,
		TestNodes:    analysis.TestNodes,
	}

	if len(analysis.TestNodes) == 0 {
		return s.skip(ctx, analysis, data, execData,
			"Could not find newly deployed instances. Skipping verification"), nil
	}

	if analysis.Strategy.NeedsControlNodes() && len(analysis.ControlNodes) == 0 {
		return s.skip(ctx, analysis, data, execData, fmt.Sprintf(
			"No baseline nodes found for %s. Skipping verification", analysis.Strategy)), nil
	}

	correlationIDs, taskIDs, err := s.dispatch(ctx, ec, analysis)
	if err != nil {
		return nil, err
	}

	data.DelegateTaskIDs = taskIDs
	if err := data.SetDetails(execData); err != nil {
		return nil, err
	}

	if err := s.saveRecord(ctx, analysis, models.ExecutionStatusRunning, execData); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "verification dispatched",
		"state_execution_id", analysis.StateExecutionID,
		"strategy", analysis.Strategy,
		"test_nodes", len(analysis.TestNodes),
		"batches", len(correlationIDs))

	return models.NewAsyncResponse(data, correlationIDs...), nil
}

func (s *State) validate() *models.ExecutionResponse {
	if err := states.ValidateConfig(&s.config); err != nil {
		return models.NewTerminalResponse(models.ExecutionStatusFailed, nil, err.Error())
	}

	if !s.config.Strategy.Valid() {
		return models.NewTerminalResponse(models.ExecutionStatusFailed, nil,
			fmt.Sprintf("invalid comparison strategy %q", s.config.Strategy))
	}

	if !s.config.Tolerance.Valid() {
		return models.NewTerminalResponse(models.ExecutionStatusFailed, nil,
			fmt.Sprintf("invalid tolerance %d, expected 1 to 3", s.config.Tolerance))
	}

	return nil
}

func (s *State) analysisContext(ctx context.Context, ec *execution.Context) (*models.AnalysisContext, error) {
	accountID, err := ec.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	appID, err := ec.AppID()
	if err != nil {
		return nil, err
	}

	analysis := &models.AnalysisContext{
		StateExecutionID:    ec.StateExecutionID(),
		AccountID:           accountID,
		AppID:               appID,
		WorkflowExecutionID: ec.WorkflowExecutionID(),
		ServiceID:           serviceID(ec),
		Strategy:            s.config.Strategy,
		Tolerance:           s.config.Tolerance,
		Metrics:             s.config.Metrics,
		DurationMinutes:     s.durationMinutes(),
		StartTime:           time.Now().UTC(),
		ProviderURL:         s.config.ProviderURL,
	}

	analysis.TestNodes, err = s.nodes(ec, s.config.TestNodes, true)
	if err != nil {
		return nil, err
	}

	switch {
	case len(s.config.ControlNodes) > 0:
		analysis.ControlNodes, err = s.nodes(ec, s.config.ControlNodes, false)
	case analysis.Strategy == models.CompareWithCurrent:
		analysis.ControlNodes, err = s.nodes(ec, nil, false)
	case analysis.Strategy == models.CompareWithPrevious && analysis.ServiceID != "" && s.baselines != nil:
		analysis.ControlNodes, err = s.baselines.LastSuccessful(ctx, appID, analysis.ServiceID)
	}

	if err != nil {
		return nil, err
	}

	return analysis, nil
}

// nodes renders exprs into a host set, or collects instance elements whose NewInstance flag
// equals newInstances when exprs is empty.
func (s *State) nodes(ec *execution.Context, exprs []string, newInstances bool) (map[string]string, error) {
	nodes := make(map[string]string)

	if len(exprs) > 0 {
		sep := s.config.NodeSeparator
		if sep == "" {
			sep = ","
		}

		hosts, err := ec.RenderExpressionList(exprs, sep)
		if err != nil {
			return nil, fmt.Errorf("failed to render nodes: %w", err)
		}

		for _, host := range hosts {
			nodes[host] = host
		}

		return nodes, nil
	}

	for _, element := range ec.ContextElementList(models.ContextElementInstance) {
		instance := element.(*models.InstanceElement)
		if instance.NewInstance != newInstances {
			continue
		}

		label := instance.DisplayName
		if label == "" {
			label = instance.HostName
		}

		nodes[instance.HostName] = label
	}

	return nodes, nil
}

func serviceID(ec *execution.Context) string {
	if element, err := ec.ContextElement(models.ContextElementService); err == nil {
		return element.(*models.ServiceElement).ID
	}

	if phase, ok := ec.Phase(); ok {
		return phase.ServiceID
	}

	return ""
}

// dispatch queues one analysis task per batch of test hosts.
func (s *State) dispatch(
	ctx context.Context,
	ec *execution.Context,
	analysis *models.AnalysisContext,
) ([]string, []string, error) {
	hosts := slices.Sorted(maps.Keys(analysis.TestNodes))

	var correlationIDs, taskIDs []string

	for batch := range slices.Chunk(hosts, HostBatchSize) {
		testNodes := make(map[string]string, len(batch))
		for _, host := range batch {
			testNodes[host] = analysis.TestNodes[host]
		}

		task, err := states.NewTask(ctx, ec, models.TaskTypeMetricAnalysis, tasks.MetricAnalysisParams{
			ProviderURL:     analysis.ProviderURL,
			ServiceID:       analysis.ServiceID,
			Strategy:        analysis.Strategy,
			ControlNodes:    analysis.ControlNodes,
			TestNodes:       testNodes,
			Metrics:         analysis.Metrics,
			StartTime:       analysis.StartTime,
			DurationMinutes: analysis.DurationMinutes,
		}, s.Timeout())
		if err != nil {
			return nil, nil, err
		}

		correlationID, err := s.deps.Delegates.QueueTask(ctx, task)
		if err != nil {
			return nil, nil, err
		}

		correlationIDs = append(correlationIDs, correlationID)
		taskIDs = append(taskIDs, task.ID)
	}

	return correlationIDs, taskIDs, nil
}

func (s *State) skip(
	ctx context.Context,
	analysis *models.AnalysisContext,
	data *models.StateExecutionData,
	execData models.VerificationExecutionData,
	message string,
) *models.ExecutionResponse {
	execData.Message = message

	if err := data.SetDetails(execData); err != nil {
		s.logger.ErrorContext(ctx, "failed to store verification details", "error", err)
	}

	if err := s.saveRecord(ctx, analysis, models.ExecutionStatusSkipped, execData); err != nil {
		s.logger.ErrorContext(ctx, "failed to save verification record", "error", err)
	}

	return models.NewTerminalResponse(models.ExecutionStatusSkipped, data, message)
}

func (s *State) HandleAsyncResponse(
	ctx context.Context,
	ec *execution.Context,
	responses map[string]models.ResponseData,
) (*models.ExecutionResponse, error) {
	data := ec.Instance().ExecutionData()
	if data == nil {
		data = &models.StateExecutionData{}
	}

	var execData models.VerificationExecutionData
	if err := data.DecodeDetails(&execData); err != nil {
		return nil, err
	}

	if record, overridden := s.manualOverride(ctx, ec.StateExecutionID()); overridden {
		return s.overrideResponse(record, data), nil
	}

	analysis, err := s.recordContext(ctx, ec, execData)
	if err != nil {
		return nil, err
	}

	if response := s.collectionFailure(ctx, analysis, data, execData, responses); response != nil {
		return response, nil
	}

	for _, id := range slices.Sorted(maps.Keys(responses)) {
		var result tasks.MetricAnalysisResult
		if err := responses[id].Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode analysis of %s: %w", id, err)
		}

		execData.Analyses = append(execData.Analyses, result.Analyses...)
	}

	suppress := s.deps.Features != nil && s.deps.Features.IsEnabled(features.SuppressAnomalies, analysis.AccountID)
	verdict := Evaluate(execData.Analyses, execData.Tolerance, suppress)

	execData.OverallRisk = verdict.OverallRisk
	execData.NoData = verdict.NoData
	execData.Suppressed = verdict.Suppressed
	execData.Message = verdict.Message

	if err := data.SetDetails(execData); err != nil {
		return nil, err
	}

	stored, err := s.saveFinalRecord(ctx, analysis, verdict.Status, execData)
	if err != nil {
		return nil, err
	}

	if stored != nil {
		return s.overrideResponse(stored, data), nil
	}

	if verdict.Status == models.ExecutionStatusSuccess && s.baselines != nil && analysis.ServiceID != "" {
		if err := s.baselines.Record(ctx, analysis.AppID, analysis.ServiceID, execData.TestNodes); err != nil {
			s.logger.ErrorContext(ctx, "failed to record verification baseline",
				"service_id", analysis.ServiceID, "error", err)
		}
	}

	s.logger.InfoContext(ctx, "verification evaluated",
		"state_execution_id", analysis.StateExecutionID,
		"status", verdict.Status,
		"overall_risk", verdict.OverallRisk,
		"suppressed", verdict.Suppressed)

	response := models.NewTerminalResponse(verdict.Status, data, verdict.Message)
	if verdict.Status == models.ExecutionStatusFailed {
		response.AddFailureType(models.FailureTypeVerification)
	}

	return response, nil
}

// collectionFailure turns error-shaped batch responses into ERROR, keeping the failure types
// of every failed batch.
func (s *State) collectionFailure(
	ctx context.Context,
	analysis *models.AnalysisContext,
	data *models.StateExecutionData,
	execData models.VerificationExecutionData,
	responses map[string]models.ResponseData,
) *models.ExecutionResponse {
	var (
		messages     []string
		failureTypes []models.FailureType
	)

	for _, id := range slices.Sorted(maps.Keys(responses)) {
		response := responses[id]
		if !response.IsError() {
			continue
		}

		messages = append(messages, response.Error)
		failureTypes = append(failureTypes, response.FailureType())
	}

	if len(messages) == 0 {
		return nil
	}

	message := "Metric collection failed: " + strings.Join(messages, "; ")
	execData.Message = message

	if err := data.SetDetails(execData); err != nil {
		s.logger.ErrorContext(ctx, "failed to store verification details", "error", err)
	}

	if _, err := s.saveFinalRecord(ctx, analysis, models.ExecutionStatusError, execData); err != nil {
		s.logger.ErrorContext(ctx, "failed to save verification record", "error", err)
	}

	response := models.NewTerminalResponse(models.ExecutionStatusError, data, message)
	for _, failureType := range failureTypes {
		response.AddFailureType(failureType)
	}

	return response
}

func (s *State) recordContext(
	ctx context.Context,
	ec *execution.Context,
	execData models.VerificationExecutionData,
) (*models.AnalysisContext, error) {
	accountID, err := ec.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	appID, err := ec.AppID()
	if err != nil {
		return nil, err
	}

	return &models.AnalysisContext{
		StateExecutionID:    ec.StateExecutionID(),
		AccountID:           accountID,
		AppID:               appID,
		WorkflowExecutionID: ec.WorkflowExecutionID(),
		ServiceID:           serviceID(ec),
		Strategy:            execData.Strategy,
		Tolerance:           execData.Tolerance,
		ControlNodes:        execData.ControlNodes,
		TestNodes:           execData.TestNodes,
	}, nil
}

func (s *State) HandleAbortEvent(ctx context.Context, ec *execution.Context) {
	states.MarkAborted(ec, "Verification aborted")

	if s.deps.Verifications == nil {
		return
	}

	err := s.deps.Verifications.SetStatus(ctx, ec.StateExecutionID(), models.ExecutionStatusAborted, false, false)
	if err != nil && !persistence.IsVerificationRecordNotFound(err) {
		s.logger.ErrorContext(ctx, "failed to mark verification aborted",
			"state_execution_id", ec.StateExecutionID(), "error", err)
	}
}

// manualOverride returns the stored record when an operator has set its status.
func (s *State) manualOverride(ctx context.Context, stateExecutionID string) (*models.VerificationRecord, bool) {
	if s.deps.Verifications == nil {
		return nil, false
	}

	record, err := s.deps.Verifications.GetByStateExecutionID(ctx, stateExecutionID)
	if err != nil {
		if !persistence.IsVerificationRecordNotFound(err) {
			s.logger.ErrorContext(ctx, "failed to load verification record",
				"state_execution_id", stateExecutionID, "error", err)
		}

		return nil, false
	}

	return record, record.ManualOverride
}

func (s *State) overrideResponse(record *models.VerificationRecord, data *models.StateExecutionData) *models.ExecutionResponse {
	message := record.Message
	if message == "" {
		message = "Verification status set manually to " + string(record.Status)
	}

	if record.Status == models.ExecutionStatusSuccess {
		message = ""
	}

	return models.NewTerminalResponse(record.Status, data, message)
}

func (s *State) newRecord(
	analysis *models.AnalysisContext,
	status models.ExecutionStatus,
	execData models.VerificationExecutionData,
) *models.VerificationRecord {
	now := time.Now().UTC()

	return &models.VerificationRecord{
		StateExecutionID:    analysis.StateExecutionID,
		AccountID:           analysis.AccountID,
		AppID:               analysis.AppID,
		WorkflowExecutionID: analysis.WorkflowExecutionID,
		ServiceID:           analysis.ServiceID,
		StateType:           StateType,
		Strategy:            execData.Strategy,
		Tolerance:           execData.Tolerance,
		Status:              status,
		OverallRisk:         execData.OverallRisk,
		NoData:              execData.NoData,
		Message:             execData.Message,
		Analyses:            execData.Analyses,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (s *State) saveRecord(
	ctx context.Context,
	analysis *models.AnalysisContext,
	status models.ExecutionStatus,
	execData models.VerificationExecutionData,
) error {
	_, err := s.saveFinalRecord(ctx, analysis, status, execData)

	return err
}

// saveFinalRecord stores the audit record. When a manual override blocks the write it returns
// the stored record, whose status is authoritative.
func (s *State) saveFinalRecord(
	ctx context.Context,
	analysis *models.AnalysisContext,
	status models.ExecutionStatus,
	execData models.VerificationExecutionData,
) (*models.VerificationRecord, error) {
	if s.deps.Verifications == nil {
		return nil, nil
	}

	saved, err := s.deps.Verifications.Save(ctx, s.newRecord(analysis, status, execData))
	if err != nil {
		return nil, fmt.Errorf("failed to save verification record: %w", err)
	}

	if saved {
		return nil, nil
	}

	stored, err := s.deps.Verifications.GetByStateExecutionID(ctx, analysis.StateExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load overridden verification record: %w", err)
	}

	return stored, nil
}

type Factory struct {
	deps      protocol.Dependencies
	baselines BaselineStore
}

func NewFactory(deps protocol.Dependencies, baselines BaselineStore) *Factory {
	return &Factory{deps: deps, baselines: baselines}
}

func (f *Factory) Create(config map[string]any) (protocol.State, error) {
	if f.deps.Delegates == nil {
		return nil, errors.New("verification requires a delegate queue")
	}

	state := &State{
		deps:      f.deps,
		baselines: f.baselines,
		logger:    f.deps.Logger.With("module", "verification_state"),
	}

	if err := states.DecodeConfig(config, &state.config); err != nil {
		return nil, err
	}

	return state, nil
}

func (f *Factory) ID() string { return StateType }

func (f *Factory) Name() string { return "Metric Verification" }

func (f *Factory) Description() string {
	return "Compares the metrics of newly deployed hosts with a baseline and fails the phase when " +
		"the risk exceeds the configured tolerance."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"comparisonStrategy": map[string]any{
				"type": "string",
				"enum": []string{
					string(models.CompareWithPrevious),
					string(models.CompareWithCurrent),
					string(models.Predictive),
				},
			},
			"tolerance": map[string]any{
				"type":        "integer",
				"description": "Highest acceptable risk: 1 LOW, 2 MEDIUM, 3 HIGH.",
			},
			"providerUrl":  map[string]any{"type": "string"},
			"metrics":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"timeDuration": map[string]any{"type": "integer", "minimum": 1},
			"testNodes":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"controlNodes": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"nodeSeparator": map[string]any{
				"type":    "string",
				"default": ",",
			},
			"timeoutMillis": map[string]any{"type": "integer"},
		},
	}
}
