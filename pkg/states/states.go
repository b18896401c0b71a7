// Package states holds helpers shared by the built-in states.
package states

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/execution"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeConfig copies a step configuration map into the typed config v.
func DecodeConfig(config map[string]any, v any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode state config: %w", err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode state config: %w", err)
	}

	return nil
}

// ValidateConfig reports the missing or invalid fields of v as one readable message.
func ValidateConfig(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		messages = append(messages, fmt.Sprintf("%s is %s", fieldErr.Field(), describeTag(fieldErr.Tag())))
	}

	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, ", "))
}

func describeTag(tag string) string {
	if tag == "required" {
		return "required"
	}

	return "invalid (" + tag + ")"
}

// TimeoutFromMillis converts a configured timeout; zero keeps the engine default.
func TimeoutFromMillis(millis int64) time.Duration {
	if millis < 0 {
		return protocol.InfiniteTimeout
	}

	return time.Duration(millis) * time.Millisecond
}

// CheckFreeze returns a REJECTED response when a freeze window covers the execution's environment.
// It publishes a deployment rejection notification before returning.
func CheckFreeze(ctx context.Context, deps protocol.Dependencies, ec *execution.Context) (*models.ExecutionResponse, bool) {
	if deps.Freeze == nil {
		return nil, false
	}

	envID, err := ec.EnvID()
	if err != nil {
		return nil, false
	}

	window, frozen := deps.Freeze.ActiveFreeze(time.Now(), envID)
	if !frozen {
		return nil, false
	}

	reason := fmt.Sprintf("Deployment freeze window %s is active for environment %s", window, envID)

	if deps.Publisher != nil {
		appID, _ := ec.AppID()

		event := events.DeploymentRejected{
			BaseEvent:           events.NewBaseEvent(events.DeploymentRejectedEvent, appID),
			StateExecutionID:    ec.StateExecutionID(),
			WorkflowExecutionID: ec.WorkflowExecutionID(),
			EnvID:               envID,
			FreezeWindow:        window,
			Reason:              reason,
		}

		if err := deps.Publisher.Publish(ctx, ec.StateExecutionID(), event); err != nil && deps.Logger != nil {
			deps.Logger.ErrorContext(ctx, "failed to publish deployment rejection",
				"state_execution_id", ec.StateExecutionID(), "error", err)
		}
	}

	return models.NewTerminalResponse(models.ExecutionStatusRejected, nil, reason), true
}

// FailedFromResponse turns an error-shaped delegate response into a FAILED response carrying
// the failure type of the error.
func FailedFromResponse(data *models.StateExecutionData, response models.ResponseData) *models.ExecutionResponse {
	result := models.NewTerminalResponse(models.ExecutionStatusFailed, data, response.Error)
	result.AddFailureType(response.FailureType())

	return result
}

// MarkAborted records the abort on the instance's own execution data. Calling it again is a no-op.
func MarkAborted(ec *execution.Context, message string) {
	instance := ec.Instance()

	data := instance.ExecutionData()
	if data == nil {
		data = &models.StateExecutionData{}
	}

	if data.Status.IsFinal() {
		return
	}

	now := time.Now().UTC()
	data.Status = models.ExecutionStatusAborted
	data.ErrorMessage = message
	data.EndTs = &now

	instance.SetExecutionData(data)
}

// SetupAbstractions builds the routing keys a delegate is selected by.
func SetupAbstractions(ec *execution.Context) map[string]string {
	abstractions := make(map[string]string)

	if envID, err := ec.EnvID(); err == nil && envID != "" {
		abstractions[models.SetupAbstractionEnvID] = envID
	}

	if phase, ok := ec.Phase(); ok {
		if phase.ServiceID != "" {
			abstractions[models.SetupAbstractionServiceID] = phase.ServiceID
		}

		if phase.InfraMappingID != "" {
			abstractions[models.SetupAbstractionInfraMappingID] = phase.InfraMappingID
		}
	}

	if element, err := ec.ContextElement(models.ContextElementInfraMapping); err == nil {
		abstractions[models.SetupAbstractionInfraMappingID] = element.(*models.InfraMappingElement).InfraMappingID
	}

	if element, err := ec.ContextElement(models.ContextElementService); err == nil {
		abstractions[models.SetupAbstractionServiceID] = element.(*models.ServiceElement).ID
	}

	return abstractions
}

// NewTask builds a delegate task for the execution behind ec, with params as its serialized parameters.
func NewTask(ctx context.Context, ec *execution.Context, taskType models.TaskType, params any, timeout time.Duration) (*models.DelegateTask, error) {
	accountID, err := ec.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	appID, err := ec.AppID()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s task parameters: %w", taskType, err)
	}

	return &models.DelegateTask{
		AccountID:         accountID,
		AppID:             appID,
		TaskType:          taskType,
		Parameters:        raw,
		SetupAbstractions: SetupAbstractions(ec),
		Timeout:           timeout,
		StateExecutionID:  ec.StateExecutionID(),
	}, nil
}
