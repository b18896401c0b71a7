package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/conveyor/pkg/models"
)

var errNoSweepingOutputs = errors.New("no sweeping output store configured")

// scopeIDs returns the owning ids of this execution. A workflow outside a pipeline keys its
// pipeline scope off the workflow execution id.
func (c *Context) scopeIDs() (pipelineID, workflowID, phaseID, stateID string) {
	workflowID = c.WorkflowExecutionID()

	pipelineID = c.PipelineExecutionID()
	if pipelineID == "" {
		pipelineID = workflowID
	}

	return pipelineID, workflowID, c.PhaseExecutionID(), c.instance.ID
}

// PrepareSweepingOutput builds an output owned by this execution at scope.
func (c *Context) PrepareSweepingOutput(name string, scope models.SweepingOutputScope) (*models.SweepingOutputInstance, error) {
	appID, err := c.AppID()
	if err != nil {
		return nil, err
	}

	if scope == "" {
		scope = models.SweepingOutputScopePipeline
	}

	pipelineID, workflowID, phaseID, stateID := c.scopeIDs()

	output := &models.SweepingOutputInstance{
		AppID:               appID,
		Name:                name,
		Scope:               scope,
		PipelineExecutionID: pipelineID,
		WorkflowExecutionID: workflowID,
		PhaseExecutionID:    phaseID,
		StateExecutionID:    stateID,
	}
	output.Normalize()

	return output, nil
}

// SweepingOutputInquiry builds an inquiry for name carrying every id of this execution.
func (c *Context) SweepingOutputInquiry(name string) (models.SweepingOutputInquiry, error) {
	appID, err := c.AppID()
	if err != nil {
		return models.SweepingOutputInquiry{}, err
	}

	pipelineID, workflowID, phaseID, stateID := c.scopeIDs()

	return models.SweepingOutputInquiry{
		AppID:               appID,
		Name:                name,
		PipelineExecutionID: pipelineID,
		WorkflowExecutionID: workflowID,
		PhaseExecutionID:    phaseID,
		StateExecutionID:    stateID,
	}, nil
}

// SaveSweepingOutput stores value under name at scope.
func (c *Context) SaveSweepingOutput(ctx context.Context, name string, scope models.SweepingOutputScope, value any) error {
	if c.outputs == nil {
		return errNoSweepingOutputs
	}

	output, err := c.PrepareSweepingOutput(name, scope)
	if err != nil {
		return err
	}

	if err := output.SetValue(value); err != nil {
		return err
	}

	return c.outputs.Save(ctx, output)
}

// FindSweepingOutput decodes the nearest output named name into v.
func (c *Context) FindSweepingOutput(ctx context.Context, name string, v any) error {
	if c.outputs == nil {
		return errNoSweepingOutputs
	}

	inquiry, err := c.SweepingOutputInquiry(name)
	if err != nil {
		return err
	}

	output, err := c.outputs.FindInstance(ctx, inquiry)
	if err != nil {
		return fmt.Errorf("failed to find sweeping output %s: %w", name, err)
	}

	return output.Decode(v)
}
