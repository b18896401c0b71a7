// Package shellscript runs a script on a delegate as a deployment step.
package shellscript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/delegate/tasks"
	"github.com/dukex/conveyor/pkg/execution"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/states"
)

const StateType = "SHELL_SCRIPT"

// Config is the step configuration. Script, working directory and env values are expressions.
type Config struct {
	Script              string                     `json:"script"                          validate:"required"`
	Shell               string                     `json:"shell,omitempty"`
	WorkingDir          string                     `json:"workingDir,omitempty"`
	Env                 map[string]string          `json:"env,omitempty"`
	OutputVariables     []string                   `json:"outputVariables,omitempty"`
	SweepingOutputName  string                     `json:"sweepingOutputName,omitempty"`
	SweepingOutputScope models.SweepingOutputScope `json:"sweepingOutputScope,omitempty"`
	TimeoutMillis       int64                      `json:"timeoutMillis,omitempty"`
}

// Details is the step specific execution data.
type Details struct {
	Script        string            `json:"script"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ExitCode      int               `json:"exit_code"`
	Output        string            `json:"output,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
}

type State struct {
	config Config
	deps   protocol.Dependencies
	logger *slog.Logger
}

func (s *State) Type() string { return StateType }

func (s *State) Timeout() time.Duration {
	return states.TimeoutFromMillis(s.config.TimeoutMillis)
}

func (s *State) Execute(ctx context.Context, ec *execution.Context) (*models.ExecutionResponse, error) {
	if err := states.ValidateConfig(&s.config); err != nil {
		return models.NewTerminalResponse(models.ExecutionStatusFailed, nil, err.Error()), nil
	}

	if rejected, frozen := states.CheckFreeze(ctx, s.deps, ec); frozen {
		return rejected, nil
	}

	script, err := ec.RenderExpression(s.config.Script)
	if err != nil {
		return nil, fmt.Errorf("failed to render script: %w", err)
	}

	workingDir, err := ec.RenderExpression(s.config.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to render working directory: %w", err)
	}

	env := make(map[string]string, len(s.config.Env))

	for name, value := range s.config.Env {
		rendered, err := ec.RenderExpression(value)
		if err != nil {
			return nil, fmt.Errorf("failed to render env %s: %w", name, err)
		}

		env[name] = rendered
	}

	task, err := states.NewTask(ctx, ec, models.TaskTypeShellScript, tasks.ShellParams{
		Script:          script,
		Shell:           s.config.Shell,
		WorkingDir:      workingDir,
		Env:             env,
		OutputVariables: s.config.OutputVariables,
	}, s.Timeout())
	if err != nil {
		return nil, err
	}

	correlationID, err := s.deps.Delegates.QueueTask(ctx, task)
	if err != nil {
		return nil, err
	}

	data := &models.StateExecutionData{Status: models.ExecutionStatusRunning, DelegateTaskIDs: []string{task.ID}}
	if err := data.SetDetails(Details{Script: script, CorrelationID: correlationID}); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "script dispatched",
		"state_execution_id", ec.StateExecutionID(),
		"correlation_id", correlationID)

	return models.NewAsyncResponse(data, correlationID), nil
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

	var details Details
	if err := data.DecodeDetails(&details); err != nil {
		return nil, err
	}

	response, ok := responses[details.CorrelationID]
	if !ok {
		return nil, errors.New("no response for the dispatched script")
	}

	if response.IsError() {
		return states.FailedFromResponse(data, response), nil
	}

	var result tasks.ShellResult
	if err := response.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}

	details.ExitCode = result.ExitCode
	details.Output = result.Output
	details.Variables = result.Variables

	if err := data.SetDetails(details); err != nil {
		return nil, err
	}

	if s.config.SweepingOutputName != "" {
		scope := s.config.SweepingOutputScope
		if scope == "" {
			scope = models.SweepingOutputScopePipeline
		}

		if err := ec.SaveSweepingOutput(ctx, s.config.SweepingOutputName, scope, result.Variables); err != nil {
			return nil, fmt.Errorf("failed to publish script variables: %w", err)
		}
	}

	return models.NewTerminalResponse(models.ExecutionStatusSuccess, data, ""), nil
}

func (s *State) HandleAbortEvent(_ context.Context, ec *execution.Context) {
	states.MarkAborted(ec, "Script execution aborted")
}

type Factory struct {
	deps protocol.Dependencies
}

func NewFactory(deps protocol.Dependencies) *Factory {
	return &Factory{deps: deps}
}

func (f *Factory) Create(config map[string]any) (protocol.State, error) {
	state := &State{deps: f.deps, logger: f.deps.Logger.With("module", "shell_script_state")}
	if err := states.DecodeConfig(config, &state.config); err != nil {
		return nil, err
	}

	return state, nil
}

func (f *Factory) ID() string { return StateType }

func (f *Factory) Name() string { return "Shell Script" }

func (f *Factory) Description() string {
	return "Runs a script on a delegate and optionally publishes exported variables as a sweeping output."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"script": map[string]any{
				"type":        "string",
				"description": "Script body. Supports ${...} expressions.",
			},
			"shell": map[string]any{
				"type":    "string",
				"default": "sh",
			},
			"workingDir": map[string]any{"type": "string"},
			"env": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"outputVariables": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"},
			},
			"sweepingOutputName": map[string]any{"type": "string"},
			"sweepingOutputScope": map[string]any{
				"type": "string",
				"enum": []string{"STATE", "PHASE", "WORKFLOW", "PIPELINE"},
			},
			"timeoutMillis": map[string]any{"type": "integer"},
		},
	}
}
