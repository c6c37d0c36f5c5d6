package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/audit-timeline/internal/core/ports"
)

const (
	DefaultGeminiModel   = "models/gemini-2.0-flash"
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultGeminiRPM     = 10
	GeminiJudgeID        = "gemini-flash-judge"
)

// GeminiOption configures a GeminiJudge.
type GeminiOption func(*GeminiJudge)

// WithGeminiBaseURL overrides the API base URL.
func WithGeminiBaseURL(baseURL string) GeminiOption {
	return func(g *GeminiJudge) {
		g.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithGeminiHTTPClient sets a custom HTTP client.
func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(g *GeminiJudge) {
		g.httpClient = c
	}
}

// WithGeminiRPM caps requests per minute.
func WithGeminiRPM(rpm int) GeminiOption {
	return func(g *GeminiJudge) {
		g.limiter = newLimiter(rpm)
	}
}

// WithGeminiLogger sets the logger.
func WithGeminiLogger(logger *slog.Logger) GeminiOption {
	return func(g *GeminiJudge) {
		g.logger = logger
	}
}

// GeminiJudge calls the Gemini generateContent API in JSON mode.
type GeminiJudge struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewGeminiJudge creates a Gemini judge. It fails with ErrUnavailable without an API key.
func NewGeminiJudge(apiKey, model string, opts ...GeminiOption) (*GeminiJudge, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini: %w: api key not set", ErrUnavailable)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	g := &GeminiJudge{
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultGeminiBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		limiter:    newLimiter(DefaultGeminiRPM),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func newLimiter(rpm int) *rate.Limiter {
	rpm = max(rpm, 1)
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

func (g *GeminiJudge) ID() string { return GeminiJudgeID }

// Model returns the Gemini model name.
func (g *GeminiJudge) Model() string { return g.model }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		ResponseMimeType string `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (g *GeminiJudge) Evaluate(ctx context.Context, req ports.JudgeRequest) (*ports.JudgeResult, error) {
	instructions := "Respond with JSON containing keys:\nhelpfulness (float 0.0-5.0), compliance (float 0.0-5.0), reasoning (short explanation)."
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: buildPrompt(req, instructions)}}}},
	}
	body.GenerationConfig.ResponseMimeType = "application/json"

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	text, err := g.generate(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Warn("gemini judge failed", slog.String("model", g.model), slog.String("error", err.Error()))
		return nil, nil
	}

	a, ok := parseAssessment(text)
	if !ok {
		g.logger.Warn("judge returned unparseable output", slog.String("judge_id", GeminiJudgeID))
		return nil, nil
	}
	return &ports.JudgeResult{
		JudgeID:     GeminiJudgeID,
		Model:       g.model,
		Helpfulness: a.Helpfulness,
		Compliance:  a.Compliance,
		Reasoning:   a.Reasoning,
		RawText:     text,
		Latency:     time.Since(start),
	}, nil
}

func (g *GeminiJudge) generate(ctx context.Context, body geminiRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent?key=%s", g.baseURL, g.model, url.QueryEscape(g.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out geminiResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	var texts []string
	for _, c := range out.Candidates {
		for _, p := range c.Content.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	return strings.Join(texts, "\n"), nil
}
