// Package web provides the HTTP handlers and request types of the manager API.
package web

import (
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
)

// OverrideRequest is the body of a manual verification override.
type OverrideRequest struct {
	Status models.ExecutionStatus `json:"status" validate:"required,oneof=SUCCESS FAILED"`
}

// AbortResponse lists the state executions an abort finalized.
type AbortResponse struct {
	WorkflowExecutionID string                           `json:"workflow_execution_id"`
	Aborted             []*models.StateExecutionInstance `json:"aborted"`
}

// StateTypeResponse describes a registered step type.
type StateTypeResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

// TransformStateTypes converts registered factories into their API representation.
func TransformStateTypes(factories []protocol.StateFactory) []StateTypeResponse {
	response := make([]StateTypeResponse, 0, len(factories))
	for _, factory := range factories {
		response = append(response, StateTypeResponse{
			ID:          factory.ID(),
			Name:        factory.Name(),
			Description: factory.Description(),
			Schema:      factory.Schema(),
		})
	}

	return response
}
