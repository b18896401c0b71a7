package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/conveyor/pkg/models"
)

// MetricAnalysisParams are the parameters of a METRIC_ANALYSIS task: one batch of test hosts
// compared against the control hosts.
type MetricAnalysisParams struct {
	ProviderURL     string                    `json:"provider_url"            validate:"required,url"`
	ServiceID       string                    `json:"service_id,omitempty"`
	Strategy        models.ComparisonStrategy `json:"strategy"                validate:"required"`
	ControlNodes    map[string]string         `json:"control_nodes,omitempty"`
	TestNodes       map[string]string         `json:"test_nodes"              validate:"required,min=1"`
	Metrics         []string                  `json:"metrics,omitempty"`
	StartTime       time.Time                 `json:"start_time"`
	DurationMinutes int                       `json:"duration_minutes"`
}

// MetricAnalysisResult is the payload returned for a METRIC_ANALYSIS task. An empty Analyses
// means the provider had no data for the window.
type MetricAnalysisResult struct {
	Analyses []models.MetricAnalysis `json:"analyses"`
}

// providerResult is the per-metric document returned by a metrics provider.
type providerResult struct {
	MetricName    string  `json:"metric_name"`
	Transaction   string  `json:"transaction"`
	Risk          int     `json:"risk"`
	Score         float64 `json:"score"`
	ControlValue  float64 `json:"control_value"`
	TestValue     float64 `json:"test_value"`
	FailFast      bool    `json:"fail_fast"`
	NonActionable bool    `json:"non_actionable"`
	Message       string  `json:"message"`
}

type providerResponse struct {
	Results []providerResult `json:"results"`
}

type MetricsHandler struct {
	client *http.Client
	logger *slog.Logger
}

func NewMetricsHandler(logger *slog.Logger) *MetricsHandler {
	return &MetricsHandler{
		client: &http.Client{},
		logger: logger.With("module", "metrics_task"),
	}
}

func (h *MetricsHandler) TaskType() models.TaskType {
	return models.TaskTypeMetricAnalysis
}

func (h *MetricsHandler) Handle(ctx context.Context, task *models.DelegateTask) (any, error) {
	var params MetricAnalysisParams
	if err := task.DecodeParameters(&params); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, params.ProviderURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, transportError(params.ProviderURL, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis response: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("metrics provider returned status %d: %s", resp.StatusCode, lastBytes(string(body), 512))
	}

	var decoded providerResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode analysis response: %w", err)
	}

	analyses := make([]models.MetricAnalysis, 0, len(decoded.Results))
	for _, result := range decoded.Results {
		analyses = append(analyses, result.analysis())
	}

	h.logger.InfoContext(ctx, "analysis collected",
		"task_id", task.ID,
		"test_nodes", len(params.TestNodes),
		"metrics", len(analyses),
	)

	return &MetricAnalysisResult{Analyses: analyses}, nil
}

func (r providerResult) analysis() models.MetricAnalysis {
	risk := models.RiskLevelFromScore(r.Risk)
	if r.FailFast {
		risk = models.RiskLevelHigh
	}

	return models.MetricAnalysis{
		MetricName:    r.MetricName,
		Transaction:   r.Transaction,
		Risk:          risk,
		Score:         r.Score,
		ControlValue:  r.ControlValue,
		TestValue:     r.TestValue,
		FailFast:      r.FailFast,
		NonActionable: r.NonActionable,
		Message:       r.Message,
	}
}
