package tasks_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/dukex/conveyor/pkg/delegate"
	"github.com/dukex/conveyor/pkg/delegate/tasks"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTask(t *testing.T, taskType models.TaskType, params any) *models.DelegateTask {
	t.Helper()

	raw, err := json.Marshal(params)
	require.NoError(t, err)

	return &models.DelegateTask{ID: "task-1", WaitID: "wait-1", TaskType: taskType, Parameters: raw}
}

func TestShellHandler_CapturesOutputAndVariables(t *testing.T) {
	t.Parallel()

	handler := tasks.NewShellHandler(testLogger())

	result, err := handler.Handle(context.Background(), newTask(t, models.TaskTypeShellScript, tasks.ShellParams{
		Script:          "echo hello\nVERSION=1.2.3",
		Env:             map[string]string{"GREETING": "hi"},
		OutputVariables: []string{"VERSION", "GREETING"},
	}))
	require.NoError(t, err)

	shell := result.(*tasks.ShellResult)
	assert.Equal(t, 0, shell.ExitCode)
	assert.Contains(t, shell.Output, "hello")
	assert.Equal(t, map[string]string{"VERSION": "1.2.3", "GREETING": "hi"}, shell.Variables)
}

func TestShellHandler_NonZeroExit(t *testing.T) {
	t.Parallel()

	handler := tasks.NewShellHandler(testLogger())

	_, err := handler.Handle(context.Background(), newTask(t, models.TaskTypeShellScript, tasks.ShellParams{
		Script: "echo failing >&2; exit 3",
	}))
	require.Error(t, err)

	var scriptErr *tasks.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, 3, scriptErr.ExitCode)
	assert.Contains(t, scriptErr.Output, "failing")
	assert.Equal(t, models.ErrorKindApplication, delegate.ClassifyError(err))
}

func TestShellHandler_RejectsBadVariableNames(t *testing.T) {
	t.Parallel()

	handler := tasks.NewShellHandler(testLogger())

	_, err := handler.Handle(context.Background(), newTask(t, models.TaskTypeShellScript, tasks.ShellParams{
		Script:          "true",
		OutputVariables: []string{"$(reboot)"},
	}))
	assert.Error(t, err)
}

func TestHTTPHandler_ReturnsStatusAndBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "token", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"ping":true}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	handler := tasks.NewHTTPHandler(testLogger())

	result, err := handler.Handle(context.Background(), newTask(t, models.TaskTypeHTTPCheck, tasks.HTTPParams{
		URL:     server.URL,
		Method:  "post",
		Headers: map[string]string{"Authorization": "token"},
		Body:    `{"ping":true}`,
	}))
	require.NoError(t, err)

	httpResult := result.(*tasks.HTTPResult)
	assert.Equal(t, http.StatusAccepted, httpResult.StatusCode)
	assert.Equal(t, map[string]any{"status": "ok"}, httpResult.Body)
}

func TestHTTPHandler_CapsResponseBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", tasks.MaxResponseBodyBytes+4096)))
	}))
	defer server.Close()

	handler := tasks.NewHTTPHandler(testLogger())

	result, err := handler.Handle(context.Background(), newTask(t, models.TaskTypeHTTPCheck, tasks.HTTPParams{URL: server.URL}))
	require.NoError(t, err)

	body, ok := result.(*tasks.HTTPResult).Body.(string)
	require.True(t, ok)
	assert.Len(t, body, tasks.MaxResponseBodyBytes)
}

func TestHTTPHandler_UnreachableIsConnectivity(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	handler := tasks.NewHTTPHandler(testLogger())

	_, err := handler.Handle(context.Background(), newTask(t, models.TaskTypeHTTPCheck, tasks.HTTPParams{URL: url}))
	require.Error(t, err)
	assert.Equal(t, models.ErrorKindConnectivity, delegate.ClassifyError(err))
}

func TestMetricsHandler_MapsRisk(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params tasks.MetricAnalysisParams
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Len(t, params.TestNodes, 2)

		_, _ = w.Write([]byte(`{"results":[
			{"metric_name":"latency","risk":0},
			{"metric_name":"errors","risk":1},
			{"metric_name":"throughput","risk":-1},
			{"metric_name":"crashes","risk":0,"fail_fast":true}
		]}`))
	}))
	defer server.Close()

	handler := tasks.NewMetricsHandler(testLogger())

	result, err := handler.Handle(context.Background(), newTask(t, models.TaskTypeMetricAnalysis, tasks.MetricAnalysisParams{
		ProviderURL: server.URL,
		Strategy:    models.Predictive,
		TestNodes:   map[string]string{"h1": "h1", "h2": "h2"},
	}))
	require.NoError(t, err)

	analyses := result.(*tasks.MetricAnalysisResult).Analyses
	require.Len(t, analyses, 4)
	assert.Equal(t, models.RiskLevelLow, analyses[0].Risk)
	assert.Equal(t, models.RiskLevelMedium, analyses[1].Risk)
	assert.Equal(t, models.RiskLevelNA, analyses[2].Risk)
	assert.Equal(t, models.RiskLevelHigh, analyses[3].Risk)
}

func TestMetricsHandler_ProviderError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	handler := tasks.NewMetricsHandler(testLogger())

	_, err := handler.Handle(context.Background(), newTask(t, models.TaskTypeMetricAnalysis, tasks.MetricAnalysisParams{
		ProviderURL: server.URL,
		Strategy:    models.Predictive,
		TestNodes:   map[string]string{"h1": "h1"},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestMetricsHandler_OversizedResponseIsTruncated(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results":[` + strings.Repeat(" ", tasks.MaxResponseBodyBytes) + `]}`))
	}))
	defer server.Close()

	handler := tasks.NewMetricsHandler(testLogger())

	_, err := handler.Handle(context.Background(), newTask(t, models.TaskTypeMetricAnalysis, tasks.MetricAnalysisParams{
		ProviderURL: server.URL,
		Strategy:    models.Predictive,
		TestNodes:   map[string]string{"h1": "h1"},
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode analysis response")
}
