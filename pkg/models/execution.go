// Package models provides the core domain types for state executions, delegate tasks and verification.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ExecutionStatus is the lifecycle status of a state execution.
type ExecutionStatus string

const (
	ExecutionStatusNew      ExecutionStatus = "NEW"
	ExecutionStatusRunning  ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess  ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed   ExecutionStatus = "FAILED"
	ExecutionStatusError    ExecutionStatus = "ERROR"
	ExecutionStatusRejected ExecutionStatus = "REJECTED"
	ExecutionStatusSkipped  ExecutionStatus = "SKIPPED"
	ExecutionStatusExpired  ExecutionStatus = "EXPIRED"
	ExecutionStatusAborted  ExecutionStatus = "ABORTED"
)

var finalStatuses = []ExecutionStatus{
	ExecutionStatusSuccess,
	ExecutionStatusFailed,
	ExecutionStatusError,
	ExecutionStatusRejected,
	ExecutionStatusSkipped,
	ExecutionStatusExpired,
	ExecutionStatusAborted,
}

// IsFinal reports whether no further transition is allowed from the status.
func (s ExecutionStatus) IsFinal() bool {
	return slices.Contains(finalStatuses, s)
}

// IsBroken reports whether the status is a failed-like terminal status.
func (s ExecutionStatus) IsBroken() bool {
	switch s {
	case ExecutionStatusFailed, ExecutionStatusError, ExecutionStatusExpired, ExecutionStatusAborted:
		return true
	default:
		return false
	}
}

func (s ExecutionStatus) Valid() bool {
	return s == ExecutionStatusNew || s == ExecutionStatusRunning || s.IsFinal()
}

// FailureType classifies transient failures for retry policies.
type FailureType string

const (
	FailureTypeTimeout      FailureType = "TIMEOUT_ERROR"
	FailureTypeConnectivity FailureType = "CONNECTIVITY"
	FailureTypeExpired      FailureType = "EXPIRED"
	FailureTypeApplication  FailureType = "APPLICATION_ERROR"
	FailureTypeVerification FailureType = "VERIFICATION_FAILURE"
)

var ErrAsyncWithoutCorrelationIDs = errors.New("async execution response has no correlation ids")

// ExecutionResponse is what a state returns from Execute and HandleAsyncResponse.
type ExecutionResponse struct {
	ExecutionStatus    ExecutionStatus     `json:"execution_status"`
	Async              bool                `json:"async"`
	CorrelationIDs     []string            `json:"correlation_ids,omitempty"`
	StateExecutionData *StateExecutionData `json:"state_execution_data,omitempty"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	FailureTypes       []FailureType       `json:"failure_types,omitempty"`
	ContextElements    ContextElements     `json:"context_elements,omitempty"`
}

// Validate checks the async invariant: async responses must carry at least one correlation id.
func (r *ExecutionResponse) Validate() error {
	if r.Async && len(r.CorrelationIDs) == 0 {
		return ErrAsyncWithoutCorrelationIDs
	}

	if !r.Async && !r.ExecutionStatus.IsFinal() {
		return fmt.Errorf("synchronous execution response must be terminal, got %s", r.ExecutionStatus)
	}

	return nil
}

// AddFailureType adds ft once.
func (r *ExecutionResponse) AddFailureType(ft FailureType) {
	if !slices.Contains(r.FailureTypes, ft) {
		r.FailureTypes = append(r.FailureTypes, ft)
	}
}

// NewAsyncResponse builds a RUNNING response waiting on the given correlation ids.
func NewAsyncResponse(data *StateExecutionData, correlationIDs ...string) *ExecutionResponse {
	return &ExecutionResponse{
		ExecutionStatus:    ExecutionStatusRunning,
		Async:              true,
		CorrelationIDs:     correlationIDs,
		StateExecutionData: data,
	}
}

// NewTerminalResponse builds a synchronous response; errorMessage is mirrored into data.
func NewTerminalResponse(status ExecutionStatus, data *StateExecutionData, errorMessage string) *ExecutionResponse {
	if data == nil {
		data = &StateExecutionData{}
	}

	data.Status = status
	data.ErrorMessage = errorMessage

	return &ExecutionResponse{
		ExecutionStatus:    status,
		StateExecutionData: data,
		ErrorMessage:       errorMessage,
	}
}

// StateExecutionData is the persisted per-step progress record. Step specific payloads live in Details.
type StateExecutionData struct {
	StateName       string          `json:"state_name,omitempty"`
	StateType       string          `json:"state_type,omitempty"`
	Status          ExecutionStatus `json:"status,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	DelegateTaskIDs []string        `json:"delegate_task_ids,omitempty"`
	StartTs         *time.Time      `json:"start_ts,omitempty"`
	EndTs           *time.Time      `json:"end_ts,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
}

// SetDetails stores v as the step specific payload.
func (d *StateExecutionData) SetDetails(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal state execution details: %w", err)
	}

	d.Details = raw

	return nil
}

// DecodeDetails reads the step specific payload into v. Empty details leave v untouched.
func (d *StateExecutionData) DecodeDetails(v any) error {
	if len(d.Details) == 0 {
		return nil
	}

	if err := json.Unmarshal(d.Details, v); err != nil {
		return fmt.Errorf("failed to unmarshal state execution details: %w", err)
	}

	return nil
}

// StateExecutionInstance is the durable record of one step execution.
type StateExecutionInstance struct {
	ID                   string                        `json:"id"                              validate:"required"`
	DisplayName          string                        `json:"display_name"                    validate:"required"`
	StateType            string                        `json:"state_type"                      validate:"required"`
	AccountID            string                        `json:"account_id,omitempty"`
	AppID                string                        `json:"app_id,omitempty"`
	WorkflowID           string                        `json:"workflow_id,omitempty"`
	WorkflowExecutionID  string                        `json:"workflow_execution_id"           validate:"required"`
	PipelineExecutionID  string                        `json:"pipeline_execution_id,omitempty"`
	StateParams          map[string]any                `json:"state_params,omitempty"`
	ContextElements      ContextElements               `json:"context_elements,omitempty"`
	StateExecutionMap    map[string]StateExecutionData `json:"state_execution_map,omitempty"`
	Status               ExecutionStatus               `json:"status"                          validate:"required"`
	CorrelationIDs       []string                      `json:"correlation_ids,omitempty"`
	CorrelationDeadlines map[string]time.Time          `json:"correlation_deadlines,omitempty"`
	ErrorMessage         string                        `json:"error_message,omitempty"`
	FailureTypes         []FailureType                 `json:"failure_types,omitempty"`
	ExpiryTs             *time.Time                    `json:"expiry_ts,omitempty"`
	CreatedAt            time.Time                     `json:"created_at"`
	UpdatedAt            time.Time                     `json:"updated_at"`
	EndTs                *time.Time                    `json:"end_ts,omitempty"`
}

// ExecutionData returns the data stored for this instance's own display name.
func (i *StateExecutionInstance) ExecutionData() *StateExecutionData {
	if i.StateExecutionMap == nil {
		return nil
	}

	data, ok := i.StateExecutionMap[i.DisplayName]
	if !ok {
		return nil
	}

	return &data
}

// SetExecutionData stores data under this instance's display name.
func (i *StateExecutionInstance) SetExecutionData(data *StateExecutionData) {
	if data == nil {
		return
	}

	if i.StateExecutionMap == nil {
		i.StateExecutionMap = make(map[string]StateExecutionData)
	}

	data.StateName = i.DisplayName
	data.StateType = i.StateType
	i.StateExecutionMap[i.DisplayName] = *data
}

// ApplyResponse copies the terminal outcome of response into the instance.
func (i *StateExecutionInstance) ApplyResponse(response *ExecutionResponse, now time.Time) {
	i.Status = response.ExecutionStatus
	i.ErrorMessage = response.ErrorMessage
	i.FailureTypes = response.FailureTypes
	i.UpdatedAt = now

	data := response.StateExecutionData
	if data == nil {
		data = i.ExecutionData()
	}

	if data == nil {
		data = &StateExecutionData{}
	}

	data.Status = response.ExecutionStatus
	if response.ErrorMessage != "" {
		data.ErrorMessage = response.ErrorMessage
	}

	if response.ExecutionStatus.IsFinal() {
		end := now
		i.EndTs = &end
		data.EndTs = &end
	}

	i.SetExecutionData(data)
	i.ContextElements = append(i.ContextElements, response.ContextElements...)
}
