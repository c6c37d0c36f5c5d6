// Package llm is a minimal client for the model endpoints the agent and judges call:
// Ollama generate, Ollama chat, and OpenAI-compatible chat completions.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Mode selects the wire protocol.
type Mode string

const (
	ModeOllama     Mode = "ollama"
	ModeOllamaChat Mode = "ollama_chat"
	ModeOpenAI     Mode = "openai"
)

// ParseMode maps a configured mode name onto a Mode, defaulting to ModeOllama.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOllama, ModeOllamaChat, ModeOpenAI:
		return m, true
	default:
		return ModeOllama, false
	}
}

// DefaultEndpoint returns the conventional endpoint for mode.
func DefaultEndpoint(mode Mode) string {
	switch mode {
	case ModeOpenAI:
		return "https://api.openai.com/v1/chat/completions"
	case ModeOllamaChat:
		return "http://localhost:11434/api/chat"
	default:
		return "http://localhost:11434/api/generate"
	}
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuthToken sends a bearer token with every request.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) {
		c.authToken = token
	}
}

// Client calls a single model endpoint.
type Client struct {
	mode       Mode
	endpoint   string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a client. An empty endpoint uses DefaultEndpoint(mode).
func NewClient(mode Mode, endpoint string, opts ...ClientOption) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint(mode)
	}
	c := &Client{
		mode:       mode,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mode returns the configured protocol.
func (c *Client) Mode() Mode {
	return c.mode
}

// CallOptions tune a single generation.
type CallOptions struct {
	Temperature float64
	NumCtx      int
	// JSON asks the backend to constrain output to a JSON object.
	JSON bool
}

// Response is one completed generation.
type Response struct {
	Model   string
	Prompt  string
	Text    string
	Latency time.Duration
	Usage   map[string]int
}

// Call sends prompt to model and returns the generated text.
func (c *Client) Call(ctx context.Context, model, prompt string, opts CallOptions) (*Response, error) {
	body, err := json.Marshal(c.buildRequest(model, prompt, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	out, err := c.parseResponse(respBody)
	if err != nil {
		return nil, err
	}
	out.Model = model
	out.Prompt = prompt
	out.Latency = time.Since(start)
	return out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) buildRequest(model, prompt string, opts CallOptions) map[string]any {
	switch c.mode {
	case ModeOpenAI:
		req := map[string]any{
			"model":       model,
			"messages":    []chatMessage{{Role: "user", Content: prompt}},
			"temperature": opts.Temperature,
		}
		if opts.JSON {
			req["response_format"] = map[string]string{"type": "json_object"}
		}
		return req
	default:
		options := map[string]any{"temperature": opts.Temperature}
		if opts.NumCtx > 0 {
			options["num_ctx"] = opts.NumCtx
		}
		req := map[string]any{"model": model, "stream": false, "options": options}
		if c.mode == ModeOllamaChat {
			req["messages"] = []chatMessage{{Role: "user", Content: prompt}}
		} else {
			req["prompt"] = prompt
		}
		if opts.JSON {
			req["format"] = "json"
		}
		return req
	}
}

type ollamaGenerateResponse struct {
	Response        string      `json:"response"`
	Message         chatMessage `json:"message"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) parseResponse(body []byte) (*Response, error) {
	switch c.mode {
	case ModeOpenAI:
		var r openAIChatResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if len(r.Choices) == 0 {
			return nil, fmt.Errorf("response contained no choices")
		}
		return &Response{
			Text:  r.Choices[0].Message.Content,
			Usage: usage(r.Usage.PromptTokens, r.Usage.CompletionTokens),
		}, nil
	default:
		var r ollamaGenerateResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		text := r.Response
		if c.mode == ModeOllamaChat {
			text = r.Message.Content
		}
		return &Response{Text: text, Usage: usage(r.PromptEvalCount, r.EvalCount)}, nil
	}
}

func usage(prompt, completion int) map[string]int {
	if prompt == 0 && completion == 0 {
		return nil
	}
	return map[string]int{"prompt": prompt, "completion": completion}
}
