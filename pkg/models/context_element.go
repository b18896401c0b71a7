package models

import (
	"encoding/json"
	"fmt"
)

// ContextElementType is the capability tag used to look elements up on the context stack.
type ContextElementType string

const (
	ContextElementStandard     ContextElementType = "STANDARD"
	ContextElementParam        ContextElementType = "PARAM"
	ContextElementService      ContextElementType = "SERVICE"
	ContextElementHost         ContextElementType = "HOST"
	ContextElementInstance     ContextElementType = "INSTANCE"
	ContextElementArtifact     ContextElementType = "ARTIFACT"
	ContextElementInfraMapping ContextElementType = "INFRA_MAPPING"
)

// ContextElement is a typed fragment of execution context. The set of implementations is closed
// and listed in DecodeContextElement.
type ContextElement interface {
	ElementType() ContextElementType
	Name() string
	ParamMap() map[string]any
}

// WorkflowStandardParams carries the application, environment and workflow level variables.
type WorkflowStandardParams struct {
	AppID                 string         `json:"app_id"                validate:"required"`
	AccountID             string         `json:"account_id,omitempty"`
	EnvID                 string         `json:"env_id,omitempty"`
	EnvName               string         `json:"env_name,omitempty"`
	WorkflowName          string         `json:"workflow_name,omitempty"`
	WorkflowExecutionID   string         `json:"workflow_execution_id,omitempty"`
	PipelineExecutionID   string         `json:"pipeline_execution_id,omitempty"`
	TriggeredBy           string         `json:"triggered_by,omitempty"`
	WorkflowVariables     map[string]any `json:"workflow_variables,omitempty"`
	DeploymentFreezeScope []string       `json:"deployment_freeze_scope,omitempty"`
}

func (p *WorkflowStandardParams) ElementType() ContextElementType { return ContextElementStandard }
func (p *WorkflowStandardParams) Name() string                    { return p.WorkflowName }

func (p *WorkflowStandardParams) ParamMap() map[string]any {
	variables := make(map[string]any, len(p.WorkflowVariables))
	for k, v := range p.WorkflowVariables {
		variables[k] = v
	}

	return map[string]any{
		"app": map[string]any{
			"id":        p.AppID,
			"accountId": p.AccountID,
		},
		"env": map[string]any{
			"id":   p.EnvID,
			"name": p.EnvName,
		},
		"workflow": map[string]any{
			"name":        p.WorkflowName,
			"executionId": p.WorkflowExecutionID,
			"variables":   variables,
		},
		"pipeline": map[string]any{
			"executionId": p.PipelineExecutionID,
		},
		"deploymentTriggeredBy": p.TriggeredBy,
	}
}

// PhaseElement is pushed when execution enters a deployment phase.
type PhaseElement struct {
	UUID           string `json:"uuid"                       validate:"required"`
	PhaseName      string `json:"phase_name"                 validate:"required"`
	ServiceID      string `json:"service_id,omitempty"`
	InfraMappingID string `json:"infra_mapping_id,omitempty"`
	DeploymentType string `json:"deployment_type,omitempty"`
	Rollback       bool   `json:"rollback,omitempty"`
}

func (e *PhaseElement) ElementType() ContextElementType { return ContextElementParam }
func (e *PhaseElement) Name() string                    { return e.PhaseName }

func (e *PhaseElement) ParamMap() map[string]any {
	return map[string]any{
		"phase": map[string]any{
			"uuid":           e.UUID,
			"name":           e.PhaseName,
			"serviceId":      e.ServiceID,
			"infraMappingId": e.InfraMappingID,
			"deploymentType": e.DeploymentType,
			"rollback":       e.Rollback,
		},
	}
}

// ServiceElement identifies the service being deployed.
type ServiceElement struct {
	ID          string `json:"id"          validate:"required"`
	ServiceName string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (e *ServiceElement) ElementType() ContextElementType { return ContextElementService }
func (e *ServiceElement) Name() string                    { return e.ServiceName }

func (e *ServiceElement) ParamMap() map[string]any {
	return map[string]any{
		"service": map[string]any{
			"uuid":        e.ID,
			"name":        e.ServiceName,
			"description": e.Description,
		},
	}
}

// HostElement identifies a target host.
type HostElement struct {
	ID         string `json:"id,omitempty"`
	HostName   string `json:"host_name"           validate:"required"`
	IP         string `json:"ip,omitempty"`
	PublicDNS  string `json:"public_dns,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

func (e *HostElement) ElementType() ContextElementType { return ContextElementHost }
func (e *HostElement) Name() string                    { return e.HostName }

func (e *HostElement) ParamMap() map[string]any {
	return map[string]any{
		"host": map[string]any{
			"uuid":      e.ID,
			"hostName":  e.HostName,
			"ip":        e.IP,
			"publicDns": e.PublicDNS,
		},
	}
}

// InstanceElement describes a service instance running on a host.
type InstanceElement struct {
	UUID        string `json:"uuid"                  validate:"required"`
	HostName    string `json:"host_name"             validate:"required"`
	DisplayName string `json:"display_name,omitempty"`
	Version     string `json:"version,omitempty"`
	NewInstance bool   `json:"new_instance,omitempty"`
}

func (e *InstanceElement) ElementType() ContextElementType { return ContextElementInstance }
func (e *InstanceElement) Name() string                    { return e.HostName }

func (e *InstanceElement) ParamMap() map[string]any {
	return map[string]any{
		"instance": map[string]any{
			"uuid":        e.UUID,
			"hostName":    e.HostName,
			"displayName": e.DisplayName,
			"version":     e.Version,
			"newInstance": e.NewInstance,
		},
	}
}

// ArtifactElement describes the artifact being deployed.
type ArtifactElement struct {
	UUID         string            `json:"uuid"                validate:"required"`
	BuildNo      string            `json:"build_no"            validate:"required"`
	SourceName   string            `json:"source_name,omitempty"`
	ServiceIDs   []string          `json:"service_ids,omitempty"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (e *ArtifactElement) ElementType() ContextElementType { return ContextElementArtifact }
func (e *ArtifactElement) Name() string                    { return e.BuildNo }

func (e *ArtifactElement) ParamMap() map[string]any {
	metadata := make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		metadata[k] = v
	}

	return map[string]any{
		"artifact": map[string]any{
			"uuid":         e.UUID,
			"buildNo":      e.BuildNo,
			"sourceName":   e.SourceName,
			"artifactPath": e.ArtifactPath,
			"metadata":     metadata,
		},
	}
}

// InfraMappingElement is the resolved infrastructure a phase deploys to.
type InfraMappingElement struct {
	InfraMappingID string `json:"infra_mapping_id"          validate:"required"`
	InfraName      string `json:"name,omitempty"`
	DeploymentType string `json:"deployment_type,omitempty"`
	CloudProvider  string `json:"cloud_provider,omitempty"`
	Cluster        string `json:"cluster,omitempty"`
	Namespace      string `json:"namespace,omitempty"`
}

func (e *InfraMappingElement) ElementType() ContextElementType { return ContextElementInfraMapping }
func (e *InfraMappingElement) Name() string                    { return e.InfraName }

func (e *InfraMappingElement) ParamMap() map[string]any {
	return map[string]any{
		"infra": map[string]any{
			"uuid":           e.InfraMappingID,
			"name":           e.InfraName,
			"deploymentType": e.DeploymentType,
			"cloudProvider":  e.CloudProvider,
			"cluster":        e.Cluster,
			"namespace":      e.Namespace,
		},
	}
}

// DecodeContextElement builds the concrete element for type t from its JSON document.
func DecodeContextElement(t ContextElementType, raw json.RawMessage) (ContextElement, error) {
	var element ContextElement

	switch t {
	case ContextElementStandard:
		element = &WorkflowStandardParams{}
	case ContextElementParam:
		element = &PhaseElement{}
	case ContextElementService:
		element = &ServiceElement{}
	case ContextElementHost:
		element = &HostElement{}
	case ContextElementInstance:
		element = &InstanceElement{}
	case ContextElementArtifact:
		element = &ArtifactElement{}
	case ContextElementInfraMapping:
		element = &InfraMappingElement{}
	default:
		return nil, fmt.Errorf("unknown context element type %q", t)
	}

	if err := json.Unmarshal(raw, element); err != nil {
		return nil, fmt.Errorf("failed to decode %s context element: %w", t, err)
	}

	return element, nil
}

// ContextElements is an ordered stack of elements, oldest first.
type ContextElements []ContextElement

type contextElementDocument struct {
	Type    ContextElementType `json:"type"`
	Element json.RawMessage    `json:"element"`
}

func (c ContextElements) MarshalJSON() ([]byte, error) {
	docs := make([]contextElementDocument, 0, len(c))

	for _, element := range c {
		raw, err := json.Marshal(element)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s context element: %w", element.ElementType(), err)
		}

		docs = append(docs, contextElementDocument{Type: element.ElementType(), Element: raw})
	}

	return json.Marshal(docs)
}

func (c *ContextElements) UnmarshalJSON(data []byte) error {
	var docs []contextElementDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		return err
	}

	elements := make(ContextElements, 0, len(docs))

	for _, doc := range docs {
		element, err := DecodeContextElement(doc.Type, doc.Element)
		if err != nil {
			return err
		}

		elements = append(elements, element)
	}

	*c = elements

	return nil
}
