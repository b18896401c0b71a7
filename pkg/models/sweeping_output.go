package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SweepingOutputScope orders from narrowest to widest.
type SweepingOutputScope string

const (
	SweepingOutputScopeState    SweepingOutputScope = "STATE"
	SweepingOutputScopePhase    SweepingOutputScope = "PHASE"
	SweepingOutputScopeWorkflow SweepingOutputScope = "WORKFLOW"
	SweepingOutputScopePipeline SweepingOutputScope = "PIPELINE"
)

// SweepingOutputScopes lists every scope, narrowest first.
var SweepingOutputScopes = []SweepingOutputScope{
	SweepingOutputScopeState,
	SweepingOutputScopePhase,
	SweepingOutputScopeWorkflow,
	SweepingOutputScopePipeline,
}

func (s SweepingOutputScope) Valid() bool {
	switch s {
	case SweepingOutputScopeState, SweepingOutputScopePhase, SweepingOutputScopeWorkflow, SweepingOutputScopePipeline:
		return true
	default:
		return false
	}
}

// SweepingOutputInstance is a named value shared between steps of the owning execution.
type SweepingOutputInstance struct {
	ID                  string              `json:"id"`
	AppID               string              `json:"app_id"                          validate:"required"`
	Name                string              `json:"name"                            validate:"required"`
	Scope               SweepingOutputScope `json:"scope"                           validate:"required"`
	PipelineExecutionID string              `json:"pipeline_execution_id,omitempty"`
	WorkflowExecutionID string              `json:"workflow_execution_id,omitempty"`
	PhaseExecutionID    string              `json:"phase_execution_id,omitempty"`
	StateExecutionID    string              `json:"state_execution_id,omitempty"`
	Value               json.RawMessage     `json:"value"                           validate:"required"`
	CreatedAt           time.Time           `json:"created_at"`
}

// Normalize nulls the ids narrower than the declared scope.
func (o *SweepingOutputInstance) Normalize() {
	switch o.Scope {
	case SweepingOutputScopePipeline:
		o.WorkflowExecutionID = ""
		o.PhaseExecutionID = ""
		o.StateExecutionID = ""
	case SweepingOutputScopeWorkflow:
		o.PhaseExecutionID = ""
		o.StateExecutionID = ""
	case SweepingOutputScopePhase:
		o.StateExecutionID = ""
	}
}

// ScopeID is the owning execution id the instance is keyed by.
func (o *SweepingOutputInstance) ScopeID() string {
	switch o.Scope {
	case SweepingOutputScopePipeline:
		return o.PipelineExecutionID
	case SweepingOutputScopeWorkflow:
		return o.WorkflowExecutionID
	case SweepingOutputScopePhase:
		return o.PhaseExecutionID
	case SweepingOutputScopeState:
		return o.StateExecutionID
	default:
		return ""
	}
}

// SetValue stores v as the output value.
func (o *SweepingOutputInstance) SetValue(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal sweeping output %s: %w", o.Name, err)
	}

	o.Value = raw

	return nil
}

// Decode reads the output value into v.
func (o *SweepingOutputInstance) Decode(v any) error {
	if err := json.Unmarshal(o.Value, v); err != nil {
		return fmt.Errorf("failed to unmarshal sweeping output %s: %w", o.Name, err)
	}

	return nil
}

// SweepingOutputInquiry carries every id of the asking execution; empty ids are not probed.
type SweepingOutputInquiry struct {
	AppID               string `json:"app_id"                          query:"appId"               validate:"required"`
	Name                string `json:"name"                            query:"name"                validate:"required"`
	PipelineExecutionID string `json:"pipeline_execution_id,omitempty" query:"pipelineExecutionId"`
	WorkflowExecutionID string `json:"workflow_execution_id,omitempty" query:"workflowExecutionId"`
	PhaseExecutionID    string `json:"phase_execution_id,omitempty"    query:"phaseExecutionId"`
	StateExecutionID    string `json:"state_execution_id,omitempty"    query:"stateExecutionId"`
}

// ScopeID returns the inquiry's id for scope.
func (q SweepingOutputInquiry) ScopeID(scope SweepingOutputScope) string {
	switch scope {
	case SweepingOutputScopePipeline:
		return q.PipelineExecutionID
	case SweepingOutputScopeWorkflow:
		return q.WorkflowExecutionID
	case SweepingOutputScopePhase:
		return q.PhaseExecutionID
	case SweepingOutputScopeState:
		return q.StateExecutionID
	default:
		return ""
	}
}
