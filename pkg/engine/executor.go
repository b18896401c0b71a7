// Package engine drives state executions: execute, park on delegate responses, resume, and
// finalize exactly once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/execution"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/notify"
	"github.com/dukex/conveyor/pkg/otelhelper"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/registry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Notifier is the part of the notify engine executions park on.
type Notifier interface {
	WaitForAllOn(ctx context.Context, callback notify.Callback, correlationIDs ...string) (string, error)
	Cancel(waitID string)
	Deadlines(correlationIDs ...string) map[string]time.Time
	Rearm(ctx context.Context, deadlines map[string]time.Time) error
}

// StartRequest describes one step to execute.
type StartRequest struct {
	StateType           string                               `json:"stateType"                     validate:"required"`
	DisplayName         string                               `json:"displayName"                   validate:"required"`
	Config              map[string]any                       `json:"config,omitempty"`
	AccountID           string                               `json:"accountId,omitempty"`
	AppID               string                               `json:"appId,omitempty"`
	WorkflowID          string                               `json:"workflowId,omitempty"`
	WorkflowExecutionID string                               `json:"workflowExecutionId"           validate:"required"`
	PipelineExecutionID string                               `json:"pipelineExecutionId,omitempty"`
	ContextElements     models.ContextElements               `json:"contextElements,omitempty"`
	StateExecutionMap   map[string]models.StateExecutionData `json:"stateExecutionMap,omitempty"`
}

type Option func(*Executor)

func WithAccountResolver(resolver execution.AccountResolver) Option {
	return func(e *Executor) {
		e.accounts = resolver
	}
}

func WithSweepingOutputs(outputs execution.SweepingOutputs) Option {
	return func(e *Executor) {
		e.outputs = outputs
	}
}

// WithPublisher enables state.execution.finished notifications.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Executor) {
		e.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// Executor runs states and owns their supervisory timers. Finalization is a compare-and-set
// from RUNNING, so of a late response, an abort and an expiry only the first takes effect.
type Executor struct {
	registry   *registry.Registry
	executions persistence.StateExecutionRepository
	notifier   Notifier
	publisher  eventbus.EventPublisher
	outputs    execution.SweepingOutputs
	accounts   execution.AccountResolver
	tracer     trace.Tracer
	logger     *slog.Logger
	validate   *validator.Validate
	locks      *instanceLocks

	mu     sync.Mutex
	waits  map[string]string
	timers map[string]*time.Timer
	closed bool
}

func NewExecutor(
	registry *registry.Registry,
	executions persistence.StateExecutionRepository,
	notifier Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Executor {
	e := &Executor{
		registry:   registry,
		executions: executions,
		notifier:   notifier,
		logger:     logger.With("module", "engine"),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		locks:      newInstanceLocks(),
		waits:      make(map[string]string),
		timers:     make(map[string]*time.Timer),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.tracer == nil {
		e.tracer = otelhelper.NoopTracer("conveyor-engine")
	}

	return e
}

// Start persists a new RUNNING state execution and executes it. The returned instance is either
// final or parked on the correlation ids its state dispatched.
func (e *Executor) Start(ctx context.Context, req StartRequest) (*models.StateExecutionInstance, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, newValidationError("Start", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	if _, err := e.registry.Factory(req.StateType); err != nil {
		return nil, newValidationError("Start", "UNKNOWN_STATE_TYPE", err.Error(), ErrUnknownStateType)
	}

	if e.isClosed() {
		return nil, ErrExecutorClosed
	}

	instance := newInstance(req, now())
	if err := e.executions.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to persist state execution: %w", err)
	}

	unlock := e.locks.lock(instance.ID)
	defer unlock()

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "state.execute", spanAttributes(instance)...)
	defer span.End()

	e.logger.InfoContext(ctx, "executing state",
		"state_execution_id", instance.ID,
		"state_type", instance.StateType,
		"display_name", instance.DisplayName)

	response, timeout := e.execute(ctx, instance)

	result, err := e.apply(ctx, instance, response, timeout)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionStatusKey, string(result.Status)))

	return result, nil
}

func newInstance(req StartRequest, at time.Time) *models.StateExecutionInstance {
	instance := &models.StateExecutionInstance{
		ID:                  uuid.New().String(),
		DisplayName:         req.DisplayName,
		StateType:           req.StateType,
		AccountID:           req.AccountID,
		AppID:               req.AppID,
		WorkflowID:          req.WorkflowID,
		WorkflowExecutionID: req.WorkflowExecutionID,
		PipelineExecutionID: req.PipelineExecutionID,
		StateParams:         req.Config,
		ContextElements:     req.ContextElements,
		StateExecutionMap:   maps.Clone(req.StateExecutionMap),
		Status:              models.ExecutionStatusRunning,
		CreatedAt:           at,
		UpdatedAt:           at,
	}

	instance.SetExecutionData(&models.StateExecutionData{Status: models.ExecutionStatusRunning, StartTs: &at})

	return instance
}

// execute calls the state's Execute. Configuration rejected by the registry is a FAILED response;
// a returned error or a panic is ERROR.
func (e *Executor) execute(ctx context.Context, instance *models.StateExecutionInstance) (*models.ExecutionResponse, time.Duration) {
	state, err := e.registry.CreateState(instance.StateType, instance.StateParams)
	if err != nil {
		return models.NewTerminalResponse(models.ExecutionStatusFailed, instance.ExecutionData(), err.Error()), 0
	}

	response, err := safely(func() (*models.ExecutionResponse, error) {
		return state.Execute(ctx, e.newContext(instance))
	})

	return e.checked(ctx, instance, response, err), protocol.EffectiveTimeout(state)
}

func (e *Executor) handleAsync(
	ctx context.Context,
	instance *models.StateExecutionInstance,
	responses map[string]models.ResponseData,
) (*models.ExecutionResponse, time.Duration) {
	state, err := e.registry.CreateState(instance.StateType, instance.StateParams)
	if err != nil {
		return models.NewTerminalResponse(models.ExecutionStatusError, instance.ExecutionData(), err.Error()), 0
	}

	response, err := safely(func() (*models.ExecutionResponse, error) {
		return state.HandleAsyncResponse(ctx, e.newContext(instance), responses)
	})

	return e.checked(ctx, instance, response, err), protocol.EffectiveTimeout(state)
}

func safely(call func() (*models.ExecutionResponse, error)) (response *models.ExecutionResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("state panicked: %v", r)
		}
	}()

	return call()
}

// checked turns errors and malformed responses into ERROR.
func (e *Executor) checked(
	ctx context.Context,
	instance *models.StateExecutionInstance,
	response *models.ExecutionResponse,
	err error,
) *models.ExecutionResponse {
	if err == nil && response == nil {
		err = fmt.Errorf("state %s returned no response", instance.StateType)
	}

	if err == nil {
		err = response.Validate()
	}

	if err != nil {
		e.logger.ErrorContext(ctx, "state execution errored",
			"state_execution_id", instance.ID,
			"state_type", instance.StateType,
			"error", err)

		return models.NewTerminalResponse(models.ExecutionStatusError, instance.ExecutionData(), err.Error())
	}

	if data := response.StateExecutionData; data != nil && data.StartTs == nil {
		if current := instance.ExecutionData(); current != nil {
			data.StartTs = current.StartTs
		}
	}

	return response
}

// apply finalizes a terminal response or parks an async one.
func (e *Executor) apply(
	ctx context.Context,
	instance *models.StateExecutionInstance,
	response *models.ExecutionResponse,
	timeout time.Duration,
) (*models.StateExecutionInstance, error) {
	if !response.Async {
		return e.finalize(ctx, instance, response)
	}

	at := now()

	data := response.StateExecutionData
	if data == nil {
		data = instance.ExecutionData()
	}

	if data == nil {
		data = &models.StateExecutionData{}
	}

	data.Status = models.ExecutionStatusRunning

	instance.SetExecutionData(data)
	instance.CorrelationIDs = response.CorrelationIDs
	instance.CorrelationDeadlines = nil
	instance.ContextElements = append(instance.ContextElements, response.ContextElements...)
	instance.UpdatedAt = at
	instance.ExpiryTs = nil

	if timeout > 0 {
		expiry := at.Add(timeout)
		instance.ExpiryTs = &expiry
	}

	if deadlines := e.notifier.Deadlines(instance.CorrelationIDs...); len(deadlines) > 0 {
		instance.CorrelationDeadlines = deadlines
	}

	saved, err := e.executions.CompareAndSave(ctx, instance, models.ExecutionStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to persist state execution %s: %w", instance.ID, err)
	}

	if !saved {
		return e.current(ctx, instance.ID)
	}

	if err := e.park(ctx, instance, timeout); err != nil {
		e.logger.ErrorContext(ctx, "failed to park state execution", "state_execution_id", instance.ID, "error", err)

		return e.finalize(ctx, instance,
			models.NewTerminalResponse(models.ExecutionStatusError, instance.ExecutionData(), err.Error()))
	}

	e.logger.InfoContext(ctx, "state execution parked",
		"state_execution_id", instance.ID,
		"correlation_ids", instance.CorrelationIDs,
		"timeout", timeout)

	return instance, nil
}

// park waits on the instance's correlation ids and arms its expiry; timeout <= 0 arms none.
func (e *Executor) park(ctx context.Context, instance *models.StateExecutionInstance, timeout time.Duration) error {
	id := instance.ID

	waitID, err := e.notifier.WaitForAllOn(ctx, e.resumeCallback(id), instance.CorrelationIDs...)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.waits[id] = waitID

	if timer, ok := e.timers[id]; ok {
		timer.Stop()
		delete(e.timers, id)
	}

	if timeout > 0 && !e.closed {
		e.timers[id] = time.AfterFunc(timeout, func() {
			e.expire(id, timeout)
		})
	}

	return nil
}

func (e *Executor) resumeCallback(id string) notify.Callback {
	return func(ctx context.Context, responses map[string]models.ResponseData) {
		e.resume(ctx, id, responses)
	}
}

func (e *Executor) resume(ctx context.Context, id string, responses map[string]models.ResponseData) {
	unlock := e.locks.lock(id)
	defer unlock()

	e.mu.Lock()
	delete(e.waits, id)
	e.mu.Unlock()

	instance, err := e.executions.GetByID(ctx, id)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load state execution for resume", "state_execution_id", id, "error", err)

		return
	}

	if instance.Status.IsFinal() {
		e.logger.DebugContext(ctx, "ignoring responses for resolved state execution",
			"state_execution_id", id, "status", instance.Status)

		return
	}

	attrs := append(spanAttributes(instance), attribute.Int(otelhelper.CorrelationCountKey, len(responses)))

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "state.resume", attrs...)
	defer span.End()

	response, timeout := e.handleAsync(ctx, instance, responses)

	result, err := e.apply(ctx, instance, response, timeout)
	if err != nil {
		otelhelper.SetError(span, err)
		e.logger.ErrorContext(ctx, "failed to resume state execution", "state_execution_id", id, "error", err)

		return
	}

	span.SetAttributes(attribute.String(otelhelper.ExecutionStatusKey, string(result.Status)))
}

func (e *Executor) expire(id string, after time.Duration) {
	ctx := context.Background()

	e.mu.Lock()
	delete(e.timers, id)
	e.mu.Unlock()

	message := fmt.Sprintf("State execution expired after %s", after)

	if _, err := e.abort(ctx, id, models.ExecutionStatusExpired, message, models.FailureTypeExpired); err != nil {
		e.logger.ErrorContext(ctx, "failed to expire state execution", "state_execution_id", id, "error", err)
	}
}

// Abort aborts every running state execution of a workflow execution and returns them.
func (e *Executor) Abort(ctx context.Context, workflowExecutionID string) ([]*models.StateExecutionInstance, error) {
	if workflowExecutionID == "" {
		return nil, newValidationError("Abort", "INVALID_REQUEST", "workflow execution id is required", ErrInvalidRequest)
	}

	instances, err := e.executions.ListByWorkflowExecution(ctx, workflowExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list state executions of %s: %w", workflowExecutionID, err)
	}

	var (
		aborted []*models.StateExecutionInstance
		errs    []error
	)

	// One failing instance must not keep the rest of the workflow running.
	for _, instance := range instances {
		if instance.Status.IsFinal() {
			continue
		}

		result, err := e.abort(ctx, instance.ID, models.ExecutionStatusAborted, "State execution aborted", "")
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to abort state execution",
				"state_execution_id", instance.ID, "error", err)

			errs = append(errs, fmt.Errorf("failed to abort state execution %s: %w", instance.ID, err))

			continue
		}

		aborted = append(aborted, result)
	}

	e.logger.InfoContext(ctx, "workflow execution aborted",
		"workflow_execution_id", workflowExecutionID,
		"aborted", len(aborted),
		"failed", len(errs))

	return aborted, errors.Join(errs...)
}

func (e *Executor) abort(
	ctx context.Context,
	id string,
	status models.ExecutionStatus,
	message string,
	failureType models.FailureType,
) (*models.StateExecutionInstance, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	instance, err := e.executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if instance.Status.IsFinal() {
		return instance, nil
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "state.abort",
		append(spanAttributes(instance), attribute.String(otelhelper.ExecutionStatusKey, string(status)))...)
	defer span.End()

	state, err := e.registry.CreateState(instance.StateType, instance.StateParams)
	if err == nil {
		err = safeAbort(ctx, state, e.newContext(instance))
	}

	if err != nil {
		e.logger.WarnContext(ctx, "abort handler failed", "state_execution_id", id, "error", err)
	}

	response := models.NewTerminalResponse(status, instance.ExecutionData(), message)
	if failureType != "" {
		response.AddFailureType(failureType)
	}

	return e.finalize(ctx, instance, response)
}

func safeAbort(ctx context.Context, state protocol.State, ec *execution.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("abort handler panicked: %v", r)
		}
	}()

	state.HandleAbortEvent(ctx, ec)

	return nil
}

// finalize writes the terminal outcome if the instance is still RUNNING. When another resolution
// won, the stored instance is returned unchanged.
func (e *Executor) finalize(
	ctx context.Context,
	instance *models.StateExecutionInstance,
	response *models.ExecutionResponse,
) (*models.StateExecutionInstance, error) {
	instance.ApplyResponse(response, now())

	saved, err := e.executions.CompareAndSave(ctx, instance, models.ExecutionStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize state execution %s: %w", instance.ID, err)
	}

	if !saved {
		e.logger.InfoContext(ctx, "state execution already resolved", "state_execution_id", instance.ID)

		return e.current(ctx, instance.ID)
	}

	e.disarm(instance.ID)
	e.publishFinished(ctx, instance)

	e.logger.InfoContext(ctx, "state execution finished",
		"state_execution_id", instance.ID,
		"status", instance.Status,
		"error_message", instance.ErrorMessage)

	return instance, nil
}

func (e *Executor) disarm(id string) {
	e.mu.Lock()

	if timer, ok := e.timers[id]; ok {
		timer.Stop()
		delete(e.timers, id)
	}

	waitID, waiting := e.waits[id]
	delete(e.waits, id)

	e.mu.Unlock()

	if waiting {
		e.notifier.Cancel(waitID)
	}
}

func (e *Executor) publishFinished(ctx context.Context, instance *models.StateExecutionInstance) {
	if e.publisher == nil {
		return
	}

	appID := instance.AppID
	if appID == "" {
		appID, _ = execution.NewContext(instance).AppID()
	}

	var duration time.Duration
	if instance.EndTs != nil {
		duration = instance.EndTs.Sub(instance.CreatedAt)
	}

	event := events.StateExecutionFinished{
		BaseEvent:           events.NewBaseEvent(events.StateExecutionFinishedEvent, appID),
		StateExecutionID:    instance.ID,
		StateType:           instance.StateType,
		DisplayName:         instance.DisplayName,
		WorkflowExecutionID: instance.WorkflowExecutionID,
		Status:              instance.Status,
		ErrorMessage:        instance.ErrorMessage,
		FailureTypes:        instance.FailureTypes,
		Duration:            duration,
	}

	if err := e.publisher.Publish(ctx, instance.ID, event); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish state execution finished",
			"state_execution_id", instance.ID, "error", err)
	}
}

// Recover re-parks every RUNNING state execution after a restart. Executions that never reached
// their park point become ERROR; those past their expiry expire right away.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	running, err := e.executions.ListByStatus(ctx, models.ExecutionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running state executions: %w", err)
	}

	recovered := 0

	for _, instance := range running {
		if err := e.recoverInstance(ctx, instance); err != nil {
			e.logger.ErrorContext(ctx, "failed to recover state execution",
				"state_execution_id", instance.ID, "error", err)

			continue
		}

		recovered++
	}

	e.logger.InfoContext(ctx, "state executions recovered", "recovered", recovered, "running", len(running))

	return recovered, nil
}

func (e *Executor) recoverInstance(ctx context.Context, instance *models.StateExecutionInstance) error {
	unlock := e.locks.lock(instance.ID)
	defer unlock()

	if len(instance.CorrelationIDs) == 0 {
		_, err := e.finalize(ctx, instance, models.NewTerminalResponse(models.ExecutionStatusError,
			instance.ExecutionData(), "State execution was interrupted before dispatching its work"))

		return err
	}

	var timeout time.Duration
	if instance.ExpiryTs != nil {
		timeout = max(instance.ExpiryTs.Sub(now()), time.Millisecond)
	}

	if err := e.park(ctx, instance, timeout); err != nil {
		return err
	}

	// Per-task timeouts were armed in the previous process; only their deadlines survived.
	if err := e.notifier.Rearm(ctx, instance.CorrelationDeadlines); err != nil {
		return fmt.Errorf("failed to re-arm task timeouts of %s: %w", instance.ID, err)
	}

	return nil
}

// Get returns a state execution by id.
func (e *Executor) Get(ctx context.Context, id string) (*models.StateExecutionInstance, error) {
	instance, err := e.executions.GetByID(ctx, id)
	if persistence.IsStateExecutionNotFound(err) {
		return nil, &EngineError{Op: "Get", Code: "NOT_FOUND", Message: "state execution " + id + " not found", Err: ErrExecutionNotFound}
	}

	return instance, err
}

// List returns the state executions of a workflow execution.
func (e *Executor) List(ctx context.Context, workflowExecutionID string) ([]*models.StateExecutionInstance, error) {
	return e.executions.ListByWorkflowExecution(ctx, workflowExecutionID)
}

// Close stops the supervisory timers. Parked executions are picked up again by Recover.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true

	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
}

func (e *Executor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

func (e *Executor) current(ctx context.Context, id string) (*models.StateExecutionInstance, error) {
	instance, err := e.executions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload state execution %s: %w", id, err)
	}

	return instance, nil
}

func (e *Executor) newContext(instance *models.StateExecutionInstance) *execution.Context {
	var opts []execution.Option

	if e.outputs != nil {
		opts = append(opts, execution.WithSweepingOutputs(e.outputs))
	}

	if e.accounts != nil {
		opts = append(opts, execution.WithAccountResolver(e.accounts))
	}

	return execution.NewContext(instance, opts...)
}

func spanAttributes(instance *models.StateExecutionInstance) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(otelhelper.StateExecutionIDKey, instance.ID),
		attribute.String(otelhelper.StateTypeKey, instance.StateType),
		attribute.String(otelhelper.WorkflowExecutionIDKey, instance.WorkflowExecutionID),
	}
}

func now() time.Time {
	return time.Now().UTC()
}
