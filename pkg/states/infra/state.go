// Package infra resolves the infrastructure a phase deploys to and shares it with later steps.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/execution"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/states"
)

const (
	StateType = "INFRASTRUCTURE_NODE"

	// DefaultSweepingOutputName is the output later steps read the resolved mapping from.
	DefaultSweepingOutputName = "infrastructure"
)

// Config fields other than the scope are expressions.
type Config struct {
	InfraMappingID      string                     `json:"infraMappingId"               validate:"required"`
	Name                string                     `json:"name,omitempty"`
	DeploymentType      string                     `json:"deploymentType,omitempty"`
	CloudProvider       string                     `json:"cloudProvider,omitempty"`
	Cluster             string                     `json:"cluster,omitempty"`
	Namespace           string                     `json:"namespace,omitempty"`
	SweepingOutputName  string                     `json:"sweepingOutputName,omitempty"`
	SweepingOutputScope models.SweepingOutputScope `json:"sweepingOutputScope,omitempty"`
}

type State struct {
	config Config
	deps   protocol.Dependencies
	logger *slog.Logger
}

func (s *State) Type() string { return StateType }

func (s *State) Timeout() time.Duration { return 0 }

func (s *State) Execute(ctx context.Context, ec *execution.Context) (*models.ExecutionResponse, error) {
	if err := states.ValidateConfig(&s.config); err != nil {
		return models.NewTerminalResponse(models.ExecutionStatusFailed, nil, err.Error()), nil
	}

	if rejected, frozen := states.CheckFreeze(ctx, s.deps, ec); frozen {
		return rejected, nil
	}

	fields := []*string{
		&s.config.InfraMappingID,
		&s.config.Name,
		&s.config.DeploymentType,
		&s.config.CloudProvider,
		&s.config.Cluster,
		&s.config.Namespace,
	}

	rendered := make([]string, len(fields))

	for i, field := range fields {
		value, err := ec.RenderExpression(*field)
		if err != nil {
			return nil, fmt.Errorf("failed to render infrastructure config: %w", err)
		}

		rendered[i] = value
	}

	element := &models.InfraMappingElement{
		InfraMappingID: rendered[0],
		InfraName:      rendered[1],
		DeploymentType: rendered[2],
		CloudProvider:  rendered[3],
		Cluster:        rendered[4],
		Namespace:      rendered[5],
	}

	if element.InfraMappingID == "" {
		return models.NewTerminalResponse(models.ExecutionStatusFailed, nil,
			"infrastructure mapping id rendered empty"), nil
	}

	name := s.config.SweepingOutputName
	if name == "" {
		name = DefaultSweepingOutputName
	}

	scope := s.config.SweepingOutputScope
	if scope == "" {
		scope = models.SweepingOutputScopePhase
		if _, inPhase := ec.Phase(); !inPhase {
			scope = models.SweepingOutputScopeWorkflow
		}
	}

	if err := ec.SaveSweepingOutput(ctx, name, scope, element); err != nil {
		return nil, fmt.Errorf("failed to publish infrastructure mapping: %w", err)
	}

	data := &models.StateExecutionData{}
	if err := data.SetDetails(element); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "infrastructure resolved",
		"state_execution_id", ec.StateExecutionID(),
		"infra_mapping_id", element.InfraMappingID,
		"scope", scope)

	response := models.NewTerminalResponse(models.ExecutionStatusSuccess, data, "")
	response.ContextElements = models.ContextElements{element}

	return response, nil
}

func (s *State) HandleAsyncResponse(
	context.Context,
	*execution.Context,
	map[string]models.ResponseData,
) (*models.ExecutionResponse, error) {
	return nil, fmt.Errorf("%s completes synchronously", StateType)
}

func (s *State) HandleAbortEvent(_ context.Context, ec *execution.Context) {
	states.MarkAborted(ec, "Infrastructure resolution aborted")
}

type Factory struct {
	deps protocol.Dependencies
}

func NewFactory(deps protocol.Dependencies) *Factory {
	return &Factory{deps: deps}
}

func (f *Factory) Create(config map[string]any) (protocol.State, error) {
	state := &State{deps: f.deps, logger: f.deps.Logger.With("module", "infra_state")}
	if err := states.DecodeConfig(config, &state.config); err != nil {
		return nil, err
	}

	return state, nil
}

func (f *Factory) ID() string { return StateType }

func (f *Factory) Name() string { return "Infrastructure" }

func (f *Factory) Description() string {
	return "Resolves the infrastructure mapping of a phase and publishes it for later steps."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"infraMappingId":     map[string]any{"type": "string"},
			"name":               map[string]any{"type": "string"},
			"deploymentType":     map[string]any{"type": "string"},
			"cloudProvider":      map[string]any{"type": "string"},
			"cluster":            map[string]any{"type": "string"},
			"namespace":          map[string]any{"type": "string"},
			"sweepingOutputName": map[string]any{"type": "string"},
			"sweepingOutputScope": map[string]any{
				"type": "string",
				"enum": []string{"STATE", "PHASE", "WORKFLOW", "PIPELINE"},
			},
		},
	}
}
