package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionResponse_Validate(t *testing.T) {
	tests := []struct {
		name     string
		response ExecutionResponse
		wantErr  error
	}{
		{
			name:     "async with ids",
			response: ExecutionResponse{ExecutionStatus: ExecutionStatusRunning, Async: true, CorrelationIDs: []string{"a"}},
		},
		{
			name:     "async without ids",
			response: ExecutionResponse{ExecutionStatus: ExecutionStatusRunning, Async: true},
			wantErr:  ErrAsyncWithoutCorrelationIDs,
		},
		{
			name:     "sync terminal",
			response: ExecutionResponse{ExecutionStatus: ExecutionStatusFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.response.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			assert.NoError(t, err)
		})
	}

	sync := ExecutionResponse{ExecutionStatus: ExecutionStatusRunning}
	assert.Error(t, sync.Validate())
}

func TestExecutionStatus_IsFinal(t *testing.T) {
	assert.False(t, ExecutionStatusNew.IsFinal())
	assert.False(t, ExecutionStatusRunning.IsFinal())
	assert.True(t, ExecutionStatusSkipped.IsFinal())
	assert.True(t, ExecutionStatusAborted.IsBroken())
	assert.False(t, ExecutionStatusRejected.IsBroken())
}

func TestRiskLevelFromScore(t *testing.T) {
	assert.Equal(t, RiskLevelNA, RiskLevelFromScore(-1))
	assert.Equal(t, RiskLevelLow, RiskLevelFromScore(0))
	assert.Equal(t, RiskLevelMedium, RiskLevelFromScore(1))
	assert.Equal(t, RiskLevelHigh, RiskLevelFromScore(2))
	assert.True(t, RiskLevelNA < RiskLevelLow && RiskLevelLow < RiskLevelMedium && RiskLevelMedium < RiskLevelHigh)
}

func TestRiskLevel_JSON(t *testing.T) {
	raw, err := json.Marshal(MetricAnalysis{MetricName: "latency", Risk: RiskLevelMedium})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"risk":"MEDIUM"`)

	var decoded MetricAnalysis
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, RiskLevelMedium, decoded.Risk)

	assert.Error(t, json.Unmarshal([]byte(`{"risk":"SEVERE"}`), &decoded))
}

func TestContextElements_RoundTrip(t *testing.T) {
	stack := ContextElements{
		&WorkflowStandardParams{AppID: "app-1", AccountID: "acc-1", EnvID: "env-1"},
		&PhaseElement{UUID: "phase-uuid", PhaseName: "Phase 1", ServiceID: "svc-1"},
		&HostElement{HostName: "host-a", IP: "10.0.0.1"},
		&InfraMappingElement{InfraMappingID: "infra-1", Namespace: "prod"},
	}

	raw, err := json.Marshal(stack)
	require.NoError(t, err)

	var decoded ContextElements
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 4)

	assert.Equal(t, stack, decoded)
	assert.Equal(t, ContextElementInfraMapping, decoded[3].ElementType())
}

func TestContextElements_UnknownType(t *testing.T) {
	var decoded ContextElements

	err := json.Unmarshal([]byte(`[{"type":"WORKER","element":{}}]`), &decoded)
	assert.Error(t, err)
}

func TestSweepingOutputInstance_Normalize(t *testing.T) {
	out := SweepingOutputInstance{
		Name:                "infra",
		Scope:               SweepingOutputScopeWorkflow,
		PipelineExecutionID: "pipe",
		WorkflowExecutionID: "wf",
		PhaseExecutionID:    "phase",
		StateExecutionID:    "state",
	}

	out.Normalize()

	assert.Equal(t, "pipe", out.PipelineExecutionID)
	assert.Equal(t, "wf", out.WorkflowExecutionID)
	assert.Empty(t, out.PhaseExecutionID)
	assert.Empty(t, out.StateExecutionID)
	assert.Equal(t, "wf", out.ScopeID())
}

func TestStateExecutionInstance_ApplyResponse(t *testing.T) {
	instance := &StateExecutionInstance{ID: "se-1", DisplayName: "Shell", StateType: "SHELL_SCRIPT", Status: ExecutionStatusRunning}
	now := time.Now().UTC()

	response := NewTerminalResponse(ExecutionStatusFailed, nil, "boom")
	response.ContextElements = ContextElements{&HostElement{HostName: "h"}}

	instance.ApplyResponse(response, now)

	assert.Equal(t, ExecutionStatusFailed, instance.Status)
	assert.Equal(t, "boom", instance.ErrorMessage)
	require.NotNil(t, instance.ExecutionData())
	assert.Equal(t, "boom", instance.ExecutionData().ErrorMessage)
	assert.Equal(t, ExecutionStatusFailed, instance.ExecutionData().Status)
	assert.Len(t, instance.ContextElements, 1)
	assert.NotNil(t, instance.EndTs)
}
