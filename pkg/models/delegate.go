package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DelegateTaskStatus tracks a dispatched task until its response or timeout is recorded.
type DelegateTaskStatus string

const (
	DelegateTaskStatusQueued   DelegateTaskStatus = "QUEUED"
	DelegateTaskStatusStarted  DelegateTaskStatus = "STARTED"
	DelegateTaskStatusFinished DelegateTaskStatus = "FINISHED"
	DelegateTaskStatusError    DelegateTaskStatus = "ERROR"
	DelegateTaskStatusExpired  DelegateTaskStatus = "EXPIRED"
)

// TaskType selects the handler a delegate runs for a task.
type TaskType string

const (
	TaskTypeShellScript    TaskType = "SHELL_SCRIPT"
	TaskTypeHTTPCheck      TaskType = "HTTP"
	TaskTypeMetricAnalysis TaskType = "METRIC_ANALYSIS"
)

// DefaultDelegateTaskTimeout bounds a task that does not set its own deadline.
const DefaultDelegateTaskTimeout = 10 * time.Minute

// DelegateTask is a unit of remote work. WaitID is the correlation id its response is keyed by.
type DelegateTask struct {
	ID                string             `json:"id"                           validate:"required"`
	WaitID            string             `json:"wait_id"                      validate:"required"`
	AccountID         string             `json:"account_id"                   validate:"required"`
	AppID             string             `json:"app_id,omitempty"`
	TaskType          TaskType           `json:"task_type"                    validate:"required"`
	Parameters        json.RawMessage    `json:"parameters,omitempty"`
	SetupAbstractions map[string]string  `json:"setup_abstractions,omitempty"`
	Tags              []string           `json:"tags,omitempty"`
	Status            DelegateTaskStatus `json:"status"                       validate:"required"`
	Timeout           time.Duration      `json:"timeout"                      validate:"gt=0"`
	StateExecutionID  string             `json:"state_execution_id,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// Setup abstraction keys used for routing.
const (
	SetupAbstractionInfraMappingID = "infrastructureMappingId"
	SetupAbstractionServiceID      = "serviceId"
	SetupAbstractionEnvID          = "envId"
)

// DecodeParameters reads the serialized task parameters into v.
func (t *DelegateTask) DecodeParameters(v any) error {
	if len(t.Parameters) == 0 {
		return fmt.Errorf("delegate task %s has no parameters", t.ID)
	}

	if err := json.Unmarshal(t.Parameters, v); err != nil {
		return fmt.Errorf("failed to decode parameters of delegate task %s: %w", t.ID, err)
	}

	return nil
}
