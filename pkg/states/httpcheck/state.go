// Package httpcheck probes an HTTP endpoint from a delegate and asserts on the response.
package httpcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/conveyor/pkg/delegate/tasks"
	"github.com/dukex/conveyor/pkg/execution"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/states"
)

const StateType = "HTTP"

type Config struct {
	URL            string            `json:"url"                      validate:"required"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ExpectedStatus int               `json:"expectedStatus,omitempty"`
	// Assertion is rendered with httpResponseCode, httpResponseBody and httpResponseHeaders in
	// scope and must render to "true".
	Assertion     string `json:"assertion,omitempty"`
	TimeoutMillis int64  `json:"timeoutMillis,omitempty"`
}

type Details struct {
	URL           string `json:"url"`
	Method        string `json:"method"`
	CorrelationID string `json:"correlation_id,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	Body          string `json:"body,omitempty"`
	Assertion     string `json:"assertion,omitempty"`
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

	url, err := ec.RenderExpression(s.config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to render url: %w", err)
	}

	body, err := ec.RenderExpression(s.config.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to render body: %w", err)
	}

	headers := make(map[string]string, len(s.config.Headers))

	for name, value := range s.config.Headers {
		rendered, err := ec.RenderExpression(value)
		if err != nil {
			return nil, fmt.Errorf("failed to render header %s: %w", name, err)
		}

		headers[name] = rendered
	}

	method := strings.ToUpper(s.config.Method)
	if method == "" {
		method = "GET"
	}

	task, err := states.NewTask(ctx, ec, models.TaskTypeHTTPCheck, tasks.HTTPParams{
		URL:     url,
		Method:  method,
		Headers: headers,
		Body:    body,
	}, s.Timeout())
	if err != nil {
		return nil, err
	}

	correlationID, err := s.deps.Delegates.QueueTask(ctx, task)
	if err != nil {
		return nil, err
	}

	data := &models.StateExecutionData{Status: models.ExecutionStatusRunning, DelegateTaskIDs: []string{task.ID}}
	if err := data.SetDetails(Details{URL: url, Method: method, CorrelationID: correlationID}); err != nil {
		return nil, err
	}

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
		return nil, errors.New("no response for the dispatched probe")
	}

	if response.IsError() {
		return states.FailedFromResponse(data, response), nil
	}

	var result tasks.HTTPResult
	if err := response.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode http result: %w", err)
	}

	bodyText := bodyString(result.Body)

	details.StatusCode = result.StatusCode
	details.Body = bodyText

	status, message, err := s.evaluate(ec, &result, bodyText, &details)
	if err != nil {
		return nil, err
	}

	if err := data.SetDetails(details); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "http check evaluated",
		"state_execution_id", ec.StateExecutionID(),
		"status_code", result.StatusCode,
		"status", status)

	return models.NewTerminalResponse(status, data, message), nil
}

func (s *State) evaluate(
	ec *execution.Context,
	result *tasks.HTTPResult,
	bodyText string,
	details *Details,
) (models.ExecutionStatus, string, error) {
	expected := s.config.ExpectedStatus
	if expected == 0 {
		expected = 200
	}

	if result.StatusCode != expected {
		return models.ExecutionStatusFailed,
			fmt.Sprintf("expected status %d, got %d", expected, result.StatusCode), nil
	}

	if s.config.Assertion == "" {
		return models.ExecutionStatusSuccess, "", nil
	}

	headers := make(map[string]any, len(result.Headers))
	for name, values := range result.Headers {
		headers[name] = strings.Join(values, ",")
	}

	rendered, err := ec.RenderExpression(s.config.Assertion, map[string]any{
		"httpResponseCode":    strconv.Itoa(result.StatusCode),
		"httpResponseBody":    bodyText,
		"httpResponseHeaders": headers,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate assertion: %w", err)
	}

	details.Assertion = rendered

	if strings.TrimSpace(rendered) != "true" {
		return models.ExecutionStatusFailed, fmt.Sprintf("assertion %s did not hold", s.config.Assertion), nil
	}

	return models.ExecutionStatusSuccess, "", nil
}

func bodyString(body any) string {
	if text, ok := body.(string); ok {
		return text
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprint(body)
	}

	return string(raw)
}

func (s *State) HandleAbortEvent(_ context.Context, ec *execution.Context) {
	states.MarkAborted(ec, "HTTP check aborted")
}

type Factory struct {
	deps protocol.Dependencies
}

func NewFactory(deps protocol.Dependencies) *Factory {
	return &Factory{deps: deps}
}

func (f *Factory) Create(config map[string]any) (protocol.State, error) {
	state := &State{deps: f.deps, logger: f.deps.Logger.With("module", "http_check_state")}
	if err := states.DecodeConfig(config, &state.config); err != nil {
		return nil, err
	}

	return state, nil
}

func (f *Factory) ID() string { return StateType }

func (f *Factory) Name() string { return "HTTP Check" }

func (f *Factory) Description() string {
	return "Sends an HTTP request from a delegate and checks the status code and an optional assertion."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Target URL. Supports ${...} expressions.",
			},
			"method": map[string]any{
				"type":    "string",
				"default": "GET",
				"enum":    []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body":           map[string]any{"type": "string"},
			"expectedStatus": map[string]any{"type": "integer", "default": 200},
			"assertion": map[string]any{
				"type":     "string",
				"examples": []string{"${regex.match('UP', httpResponseBody)}"},
			},
			"timeoutMillis": map[string]any{"type": "integer"},
		},
	}
}
