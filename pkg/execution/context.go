// Package execution holds the per-execution context: the element stack, expression rendering and
// access to the sweeping output store.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strings"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/template"
)

// AccountResolver derives the account owning an application when the standard params omit it.
type AccountResolver interface {
	AccountIDForApp(ctx context.Context, appID string) (string, error)
}

// SweepingOutputs is the store a context saves to and reads from.
type SweepingOutputs interface {
	Save(ctx context.Context, output *models.SweepingOutputInstance) error
	FindInstance(ctx context.Context, inquiry models.SweepingOutputInquiry) (*models.SweepingOutputInstance, error)
}

// Context wraps one state execution instance. It is owned by a single execution path.
type Context struct {
	instance *models.StateExecutionInstance
	outputs  SweepingOutputs
	accounts AccountResolver
}

type Option func(*Context)

func WithSweepingOutputs(outputs SweepingOutputs) Option {
	return func(c *Context) {
		c.outputs = outputs
	}
}

func WithAccountResolver(resolver AccountResolver) Option {
	return func(c *Context) {
		c.accounts = resolver
	}
}

// NewContext builds a context over instance. The element stack is the instance's own list, so a
// context rebuilt from a persisted instance sees the same stack.
func NewContext(instance *models.StateExecutionInstance, opts ...Option) *Context {
	c := &Context{instance: instance}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Context) Instance() *models.StateExecutionInstance {
	return c.instance
}

func (c *Context) StateExecutionID() string {
	return c.instance.ID
}

// PushContextElement appends e to the stack. Elements are never removed.
func (c *Context) PushContextElement(e models.ContextElement) {
	if e == nil {
		return
	}

	c.instance.ContextElements = append(c.instance.ContextElements, e)
}

// ContextElement returns the most recently pushed element of type t.
func (c *Context) ContextElement(t models.ContextElementType) (models.ContextElement, error) {
	elements := c.instance.ContextElements
	for i := len(elements) - 1; i >= 0; i-- {
		if elements[i].ElementType() == t {
			return elements[i], nil
		}
	}

	return nil, &ContextError{Op: "ContextElement", Type: t, Err: ErrContextElementNotFound}
}

// ContextElementByName returns the most recently pushed element of type t whose name matches.
func (c *Context) ContextElementByName(t models.ContextElementType, name string) (models.ContextElement, error) {
	elements := c.instance.ContextElements
	for i := len(elements) - 1; i >= 0; i-- {
		if elements[i].ElementType() == t && elements[i].Name() == name {
			return elements[i], nil
		}
	}

	return nil, &ContextError{
		Op:   "ContextElementByName",
		Type: t,
		Err:  fmt.Errorf("%w: name %q", ErrContextElementNotFound, name),
	}
}

// ContextElementList returns every element of type t, oldest first.
func (c *Context) ContextElementList(t models.ContextElementType) []models.ContextElement {
	var out []models.ContextElement

	for _, e := range c.instance.ContextElements {
		if e.ElementType() == t {
			out = append(out, e)
		}
	}

	return out
}

// StandardParams returns the workflow standard params. Their absence is a configuration fault.
func (c *Context) StandardParams() (*models.WorkflowStandardParams, error) {
	element, err := c.ContextElement(models.ContextElementStandard)
	if err != nil {
		return nil, &ContextError{Op: "StandardParams", Err: ErrStandardParamsMissing}
	}

	params, ok := element.(*models.WorkflowStandardParams)
	if !ok {
		return nil, &ContextError{Op: "StandardParams", Err: ErrStandardParamsMissing}
	}

	return params, nil
}

func (c *Context) AppID() (string, error) {
	if c.instance.AppID != "" {
		return c.instance.AppID, nil
	}

	params, err := c.StandardParams()
	if err != nil {
		return "", err
	}

	return params.AppID, nil
}

func (c *Context) EnvID() (string, error) {
	params, err := c.StandardParams()
	if err != nil {
		return "", err
	}

	return params.EnvID, nil
}

// AccountID reads the account from the standard params, asking the resolver when they carry none.
func (c *Context) AccountID(ctx context.Context) (string, error) {
	if c.instance.AccountID != "" {
		return c.instance.AccountID, nil
	}

	params, err := c.StandardParams()
	if err != nil {
		return "", err
	}

	if params.AccountID != "" || c.accounts == nil {
		return params.AccountID, nil
	}

	accountID, err := c.accounts.AccountIDForApp(ctx, params.AppID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve account of app %s: %w", params.AppID, err)
	}

	return accountID, nil
}

func (c *Context) WorkflowExecutionID() string {
	if c.instance.WorkflowExecutionID != "" {
		return c.instance.WorkflowExecutionID
	}

	if params, err := c.StandardParams(); err == nil {
		return params.WorkflowExecutionID
	}

	return ""
}

// PipelineExecutionID is empty when the workflow does not run inside a pipeline.
func (c *Context) PipelineExecutionID() string {
	if c.instance.PipelineExecutionID != "" {
		return c.instance.PipelineExecutionID
	}

	if params, err := c.StandardParams(); err == nil {
		return params.PipelineExecutionID
	}

	return ""
}

// Phase returns the innermost phase element, if any.
func (c *Context) Phase() (*models.PhaseElement, bool) {
	element, err := c.ContextElement(models.ContextElementParam)
	if err != nil {
		return nil, false
	}

	phase, ok := element.(*models.PhaseElement)

	return phase, ok
}

// PhaseExecutionID identifies the current phase run: workflow execution id, phase uuid and phase name.
func (c *Context) PhaseExecutionID() string {
	phase, ok := c.Phase()
	if !ok {
		return ""
	}

	return c.WorkflowExecutionID() + phase.UUID + phase.PhaseName
}

var nonWord = regexp.MustCompile(`\W`)

// NormalizeStateName turns a display name into an expression-safe key.
func NormalizeStateName(name string) string {
	return nonWord.ReplaceAllString(name, "__")
}

// Params flattens the stack into one namespace. Outputs of earlier states of the same execution
// sit underneath, keyed by normalized display name; later elements shadow earlier keys.
func (c *Context) Params() map[string]any {
	params := make(map[string]any)

	for name, data := range c.instance.StateExecutionMap {
		if name == c.instance.DisplayName {
			continue
		}

		params[NormalizeStateName(name)] = stateDataParams(data)
	}

	for _, e := range c.instance.ContextElements {
		maps.Copy(params, e.ParamMap())
	}

	return params
}

func stateDataParams(data models.StateExecutionData) map[string]any {
	out := map[string]any{
		"status":       string(data.Status),
		"errorMessage": data.ErrorMessage,
	}

	if len(data.Details) > 0 {
		var details any
		if err := json.Unmarshal(data.Details, &details); err == nil {
			out["details"] = details
		}
	}

	return out
}

// RenderExpression substitutes ${...} references in expr. Values in scoped take precedence over the stack.
func (c *Context) RenderExpression(expr string, scoped ...map[string]any) (string, error) {
	params := c.Params()
	for _, s := range scoped {
		maps.Copy(params, s)
	}

	return template.Render(expr, params)
}

// RenderExpressionList renders every expression and splits the results on sep, dropping blanks.
func (c *Context) RenderExpressionList(exprs []string, sep string) ([]string, error) {
	var out []string

	for _, expr := range exprs {
		rendered, err := c.RenderExpression(expr)
		if err != nil {
			return nil, err
		}

		parts := []string{rendered}
		if sep != "" {
			parts = strings.Split(rendered, sep)
		}

		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}

	return out, nil
}
