package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// BaselineOutputPrefix prefixes the name of the sweeping output holding a service's baseline nodes.
const BaselineOutputPrefix = "verification.baseline."

// BaselineStore remembers the test nodes of the last successful verification of a service, the
// baseline of the next COMPARE_WITH_PREVIOUS run.
type BaselineStore interface {
	// LastSuccessful returns nil when the service has no baseline yet.
	LastSuccessful(ctx context.Context, appID, serviceID string) (map[string]string, error)
	Record(ctx context.Context, appID, serviceID string, nodes map[string]string) error
}

// SweepingOutputBaselines keeps baselines as PIPELINE scoped sweeping outputs keyed by service
// rather than by pipeline execution, so they outlive the run that recorded them.
type SweepingOutputBaselines struct {
	repository persistence.SweepingOutputRepository
}

func NewSweepingOutputBaselines(repository persistence.SweepingOutputRepository) *SweepingOutputBaselines {
	return &SweepingOutputBaselines{repository: repository}
}

func baselineKey(serviceID string) (name, scopeID string) {
	return BaselineOutputPrefix + serviceID, "service:" + serviceID
}

func (b *SweepingOutputBaselines) LastSuccessful(ctx context.Context, appID, serviceID string) (map[string]string, error) {
	name, scopeID := baselineKey(serviceID)

	output, err := b.repository.Find(ctx, appID, name, models.SweepingOutputScopePipeline, scopeID)
	if persistence.IsSweepingOutputNotFound(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var nodes map[string]string
	if err := output.Decode(&nodes); err != nil {
		return nil, fmt.Errorf("failed to decode baseline of service %s: %w", serviceID, err)
	}

	return nodes, nil
}

func (b *SweepingOutputBaselines) Record(ctx context.Context, appID, serviceID string, nodes map[string]string) error {
	name, scopeID := baselineKey(serviceID)

	output := &models.SweepingOutputInstance{
		AppID:               appID,
		Name:                name,
		Scope:               models.SweepingOutputScopePipeline,
		PipelineExecutionID: scopeID,
		CreatedAt:           time.Now().UTC(),
	}

	if err := output.SetValue(nodes); err != nil {
		return err
	}

	return b.repository.Save(ctx, output)
}
