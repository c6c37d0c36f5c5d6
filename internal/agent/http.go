package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/audit-timeline/internal/core/ports"
)

// HTTPOption configures an HTTPAgent.
type HTTPOption func(*HTTPAgent)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAgent) {
		a.httpClient = c
	}
}

// HTTPAgent forwards requests to a remote compliance agent that owns the audit log.
type HTTPAgent struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAgent creates an agent posting to baseURL.
func NewHTTPAgent(baseURL string, opts ...HTTPOption) *HTTPAgent {
	a := &HTTPAgent{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type remoteRequest struct {
	ScenarioID string             `json:"scenario_id"`
	Request    ports.QueryRequest `json:"request"`
}

func (a *HTTPAgent) HandleRequest(ctx context.Context, scenarioID string, req ports.QueryRequest) (*ports.AgentResponse, error) {
	body, err := json.Marshal(remoteRequest{ScenarioID: scenarioID, Request: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out ports.AgentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}
