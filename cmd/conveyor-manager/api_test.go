package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/dukex/conveyor/pkg/engine"
	"github.com/dukex/conveyor/pkg/notify"
	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/dukex/conveyor/pkg/protocol"
	"github.com/dukex/conveyor/pkg/registry"
	"github.com/dukex/conveyor/pkg/states/infra"
	"github.com/dukex/conveyor/pkg/sweepingoutput"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	notifier := notify.NewEngine(store.NotifyResponseRepository(), testLogger())
	outputs := sweepingoutput.NewService(store.SweepingOutputRepository(), testLogger())

	reg := registry.NewRegistry(testLogger())
	reg.RegisterState(infra.NewFactory(protocol.Dependencies{Logger: testLogger()}))

	executor := engine.NewExecutor(reg, store.StateExecutionRepository(), notifier, testLogger())

	t.Cleanup(func() {
		executor.Close()
		notifier.Close()
	})

	return NewAPI(testLogger(), store, reg, executor, outputs).App()
}

func TestAPI_Endpoints(t *testing.T) {
	app := setupTestApp(t)

	tests := []struct {
		name           string
		target         string
		expectedStatus int
		expectedBody   string
	}{
		{"root", "/", http.StatusOK, "Conveyor Manager"},
		{"liveness", "/livez", http.StatusOK, "OK"},
		{"readiness", "/readyz", http.StatusOK, "OK"},
		{"health", "/health", http.StatusOK, `"status":"healthy"`},
		{"unknown execution", "/executions/missing", http.StatusNotFound, "state_execution_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			resp, err := app.Test(req)
			require.NoError(t, err)

			defer func() {
				err := resp.Body.Close()
				if err != nil {
					t.Logf("Failed to close response body: %v", err)
				}
			}()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.expectedBody)
		})
	}
}
