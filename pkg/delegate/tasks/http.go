package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/conveyor/pkg/delegate"
	"github.com/dukex/conveyor/pkg/models"
)

const (
	defaultHTTPTimeout = 30 * time.Second

	// MaxResponseBodyBytes caps how much of a remote response body a task reads.
	MaxResponseBodyBytes = 1 << 20
)

// HTTPParams are the parameters of an HTTP task.
type HTTPParams struct {
	URL     string            `json:"url"               validate:"required,url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// HTTPResult is the payload returned for an HTTP task. Body holds decoded JSON when the
// response parses as JSON, otherwise the raw text.
type HTTPResult struct {
	StatusCode int                 `json:"status_code"`
	Body       any                 `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

type HTTPHandler struct {
	client *http.Client
	logger *slog.Logger
}

func NewHTTPHandler(logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		client: &http.Client{},
		logger: logger.With("module", "http_task"),
	}
}

func (h *HTTPHandler) TaskType() models.TaskType {
	return models.TaskTypeHTTPCheck
}

func (h *HTTPHandler) Handle(ctx context.Context, task *models.DelegateTask) (any, error) {
	var params HTTPParams
	if err := task.DecodeParameters(&params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, params.URL, strings.NewReader(params.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	for key, value := range params.Headers {
		req.Header.Set(key, value)
	}

	h.logger.DebugContext(ctx, "sending http request", "method", method, "url", params.URL)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, transportError(params.URL, err)
	}

	return h.processResponse(ctx, resp)
}

func (h *HTTPHandler) processResponse(ctx context.Context, resp *http.Response) (*HTTPResult, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any

	err = json.Unmarshal(bodyBytes, &body)
	if err != nil {
		body = string(bodyBytes)
	}

	h.logger.InfoContext(ctx, "http request completed", "status_code", resp.StatusCode, "body_length", len(bodyBytes))

	return &HTTPResult{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}

// transportError keeps deadline errors as they are and marks every other transport failure
// as a connectivity failure.
func transportError(target string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("http request to %s timed out: %w", target, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("http request to %s timed out: %w", target, context.DeadlineExceeded)
	}

	return &delegate.ConnectivityError{Target: target, Err: err}
}
