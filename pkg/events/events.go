// Package events defines the messages exchanged between the manager, delegates and listeners.
package events

import (
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Kafka topics.
const (
	Topic                 = "conveyor.events"             // Notifications about state executions
	DelegateTaskTopic     = "conveyor.delegate.tasks"     // Tasks queued for delegates
	DelegateResponseTopic = "conveyor.delegate.responses" // Responses reported by delegates
)

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	DelegateTaskQueuedEvent    EventType = "delegate.task.queued"
	DelegateTaskRespondedEvent EventType = "delegate.task.responded"

	StateExecutionFinishedEvent EventType = "state.execution.finished"
	DeploymentRejectedEvent     EventType = "deployment.rejected"
)

// TopicFor returns the topic events of type t are published on.
func TopicFor(t EventType) string {
	switch t {
	case DelegateTaskQueuedEvent:
		return DelegateTaskTopic
	case DelegateTaskRespondedEvent:
		return DelegateResponseTopic
	default:
		return Topic
	}
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	AppID     string         `json:"app_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, appID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AppID:     appID,
		Metadata:  make(map[string]any),
	}
}

// DelegateTaskQueued carries a task to the delegates.
type DelegateTaskQueued struct {
	BaseEvent

	Task models.DelegateTask `json:"task"`
}

func (e DelegateTaskQueued) GetType() EventType {
	return DelegateTaskQueuedEvent
}

// DelegateTaskResponded carries the outcome of a task back to the manager.
type DelegateTaskResponded struct {
	BaseEvent

	CorrelationID string              `json:"correlation_id"`
	TaskID        string              `json:"task_id"`
	DelegateID    string              `json:"delegate_id,omitempty"`
	Data          models.ResponseData `json:"data"`
}

func (e DelegateTaskResponded) GetType() EventType {
	return DelegateTaskRespondedEvent
}

// StateExecutionFinished is published once per state execution, when it reaches a final status.
type StateExecutionFinished struct {
	BaseEvent

	StateExecutionID    string                 `json:"state_execution_id"`
	StateType           string                 `json:"state_type"`
	DisplayName         string                 `json:"display_name"`
	WorkflowExecutionID string                 `json:"workflow_execution_id"`
	Status              models.ExecutionStatus `json:"status"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	FailureTypes        []models.FailureType   `json:"failure_types,omitempty"`
	Duration            time.Duration          `json:"duration"`
}

func (e StateExecutionFinished) GetType() EventType {
	return StateExecutionFinishedEvent
}

// DeploymentRejected notifies that a deploying state was rejected by a freeze window.
type DeploymentRejected struct {
	BaseEvent

	StateExecutionID    string `json:"state_execution_id"`
	WorkflowExecutionID string `json:"workflow_execution_id"`
	EnvID               string `json:"env_id,omitempty"`
	FreezeWindow        string `json:"freeze_window"`
	Reason              string `json:"reason"`
}

func (e DeploymentRejected) GetType() EventType {
	return DeploymentRejectedEvent
}
