package judge

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/llm"
)

// DefaultModel is used by the LLM judge when no model is configured.
const DefaultModel = "alibayram/medgemma:27b"

// LLMJudge asks a model served over Ollama or an OpenAI-compatible endpoint for an assessment.
type LLMJudge struct {
	id      string
	model   string
	client  *llm.Client
	options llm.CallOptions
	logger  *slog.Logger
}

// NewLLMJudge creates a judge. An empty id becomes "{model}-judge".
func NewLLMJudge(client *llm.Client, model, id string, logger *slog.Logger) *LLMJudge {
	if model == "" {
		model = DefaultModel
	}
	if id == "" {
		id = model + "-judge"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMJudge{
		id:      id,
		model:   model,
		client:  client,
		options: llm.CallOptions{Temperature: 0, NumCtx: 8192},
		logger:  logger,
	}
}

func (j *LLMJudge) ID() string { return j.id }

// Model returns the judge model name.
func (j *LLMJudge) Model() string { return j.model }

// Evaluate returns nil without error when the call fails or the reply is not an assessment.
func (j *LLMJudge) Evaluate(ctx context.Context, req ports.JudgeRequest) (*ports.JudgeResult, error) {
	prompt := buildPrompt(req, jsonKeysInstructions) + "\nOnly return JSON."

	resp, err := j.client.Call(ctx, j.model, prompt, j.options)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		j.logger.Warn("judge call failed",
			slog.String("judge_id", j.id),
			slog.String("model", j.model),
			slog.Int("prompt_chars", len(prompt)),
			slog.String("error", err.Error()))
		return nil, nil
	}

	a, ok := parseAssessment(resp.Text)
	if !ok {
		j.logger.Warn("judge returned unparseable output", slog.String("judge_id", j.id))
		return nil, nil
	}
	return &ports.JudgeResult{
		JudgeID:     j.id,
		Model:       j.model,
		Helpfulness: a.Helpfulness,
		Compliance:  a.Compliance,
		Reasoning:   a.Reasoning,
		RawText:     resp.Text,
		Latency:     resp.Latency,
	}, nil
}
