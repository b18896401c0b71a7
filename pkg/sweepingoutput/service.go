// Package sweepingoutput resolves scoped outputs shared between the states of an execution.
package sweepingoutput

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

// Service stores outputs under their declared scope and finds them by probing narrowest scope first.
type Service struct {
	repository persistence.SweepingOutputRepository
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewService(repository persistence.SweepingOutputRepository, logger *slog.Logger) *Service {
	return &Service{
		repository: repository,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.With("module", "sweeping_output"),
	}
}

// Save keys the output by its scope, clearing the ids narrower than it. An existing value is replaced.
func (s *Service) Save(ctx context.Context, output *models.SweepingOutputInstance) error {
	if !output.Scope.Valid() {
		return fmt.Errorf("invalid sweeping output scope %q", output.Scope)
	}

	output.Normalize()

	if output.ScopeID() == "" {
		return fmt.Errorf("sweeping output %s has no %s execution id", output.Name, output.Scope)
	}

	if err := s.validate.Struct(output); err != nil {
		return fmt.Errorf("invalid sweeping output: %w", err)
	}

	if err := s.repository.Save(ctx, output); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "sweeping output saved",
		"name", output.Name,
		"scope", output.Scope,
		"scope_id", output.ScopeID())

	return nil
}

// FindInstance returns the first output found probing STATE, PHASE, WORKFLOW and then PIPELINE.
// Scopes whose id is absent from the inquiry are skipped.
func (s *Service) FindInstance(ctx context.Context, inquiry models.SweepingOutputInquiry) (*models.SweepingOutputInstance, error) {
	if err := s.validate.Struct(inquiry); err != nil {
		return nil, fmt.Errorf("invalid sweeping output inquiry: %w", err)
	}

	for _, scope := range models.SweepingOutputScopes {
		scopeID := inquiry.ScopeID(scope)
		if scopeID == "" {
			continue
		}

		output, err := s.repository.Find(ctx, inquiry.AppID, inquiry.Name, scope, scopeID)
		if err == nil {
			return output, nil
		}

		if !persistence.IsSweepingOutputNotFound(err) {
			return nil, err
		}
	}

	return nil, persistence.NewRepositoryError("FindInstance", inquiry.Name, persistence.ErrSweepingOutputNotFound)
}

// Find decodes the value of the nearest output into v.
func (s *Service) Find(ctx context.Context, inquiry models.SweepingOutputInquiry, v any) error {
	output, err := s.FindInstance(ctx, inquiry)
	if err != nil {
		return err
	}

	return output.Decode(v)
}
