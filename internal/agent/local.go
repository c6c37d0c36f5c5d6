package agent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/tjfontaine/audit-timeline/internal/auditlog"
	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/llm"
	"github.com/tjfontaine/audit-timeline/internal/tokens"
)

// BlockMessage replaces the model answer when the screen blocks it.
const BlockMessage = "We’re unable to share the model’s response because it may conflict with safety or regulatory guidance. " +
	"A compliance review has been logged."

// TimestampLayout is the audit record timestamp format.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Screen classifies a model answer. It returns the action (allow, warn or block)
// and any issues raised.
type Screen func(req ports.QueryRequest, out ports.ModelOutput) (string, []ports.ComplianceIssue)

// AllowAll is the default screen.
func AllowAll(ports.QueryRequest, ports.ModelOutput) (string, []ports.ComplianceIssue) {
	return "allow", nil
}

// ContextSource supplies retrieval context for scenarios with RAG enabled.
type ContextSource func(ctx context.Context, question string) (string, error)

// LocalOption configures a LocalAgent.
type LocalOption func(*LocalAgent)

// WithScreen sets the compliance screen.
func WithScreen(s Screen) LocalOption {
	return func(a *LocalAgent) {
		a.screen = s
	}
}

// WithContextSource sets the retrieval source used by RAG scenarios.
func WithContextSource(src ContextSource) LocalOption {
	return func(a *LocalAgent) {
		a.contextSource = src
	}
}

// WithTokenCounter sets the counter used for token_usage.
func WithTokenCounter(c *tokens.Counter) LocalOption {
	return func(a *LocalAgent) {
		a.counter = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(a *LocalAgent) {
		a.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) LocalOption {
	return func(a *LocalAgent) {
		a.now = now
	}
}

// LocalAgent answers with a model reached through llm.Client and appends the
// exchange to the audit log itself.
type LocalAgent struct {
	client        *llm.Client
	log           *auditlog.Appender
	scenarios     []Scenario
	screen        Screen
	contextSource ContextSource
	counter       *tokens.Counter
	logger        *slog.Logger
	now           func() time.Time
}

// NewLocalAgent creates a LocalAgent over scenarios.
func NewLocalAgent(client *llm.Client, log *auditlog.Appender, scenarios []Scenario, opts ...LocalOption) *LocalAgent {
	a := &LocalAgent{
		client:    client,
		log:       log,
		scenarios: scenarios,
		screen:    AllowAll,
		counter:   tokens.NewCounter(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type rawModel struct {
	Model            string `json:"model"`
	Prompt           string `json:"prompt"`
	Text             string `json:"text"`
	RetrievalContext string `json:"retrieval_context"`
}

type auditRecord struct {
	Timestamp  string                  `json:"timestamp"`
	UserID     string                  `json:"user_id"`
	SessionID  string                  `json:"session_id"`
	Channel    string                  `json:"channel"`
	Question   string                  `json:"question"`
	Action     string                  `json:"action"`
	Issues     []ports.ComplianceIssue `json:"issues"`
	RawModel   rawModel                `json:"raw_model"`
	FinalText  string                  `json:"final_text"`
	Metadata   map[string]any          `json:"metadata"`
	ScenarioID string                  `json:"scenario_id"`
	TokenUsage map[string]int          `json:"token_usage"`
	LatencyMs  int64                   `json:"latency_ms"`
}

func (a *LocalAgent) HandleRequest(ctx context.Context, scenarioID string, req ports.QueryRequest) (*ports.AgentResponse, error) {
	scenario, ok := Find(a.scenarios, scenarioID)
	if !ok {
		return nil, fmt.Errorf("scenario %q is not defined", scenarioID)
	}

	var retrieval string
	if scenario.UseRAG && a.contextSource != nil {
		var err error
		retrieval, err = a.contextSource(ctx, req.Question)
		if err != nil {
			return nil, fmt.Errorf("retrieving context: %w", err)
		}
	}

	prompt := buildPrompt(req.Question, retrieval)
	start := a.now()
	resp, err := a.client.Call(ctx, scenario.Model, prompt, llm.CallOptions{Temperature: 0.2})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", scenario.Model, err)
	}
	latency := a.now().Sub(start)

	out := ports.ModelOutput{
		Model:            scenario.Model,
		Prompt:           prompt,
		Text:             resp.Text,
		RetrievalContext: retrieval,
	}
	action, issues := a.screen(req, out)
	finalText := applyDecision(out.Text, action, issues)

	usage := resp.Usage
	if usage == nil {
		usage = a.counter.Usage(scenario.Model, prompt, resp.Text)
	}

	metadata := map[string]any{"scenario_id": scenario.ID, "use_rag": scenario.UseRAG}
	for k, v := range req.Extra {
		metadata[k] = v
	}
	if issues == nil {
		issues = []ports.ComplianceIssue{}
	}

	rec := auditRecord{
		Timestamp:  a.now().UTC().Format(TimestampLayout),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Channel:    req.Channel,
		Question:   req.Question,
		Action:     action,
		Issues:     issues,
		RawModel:   rawModel(out),
		FinalText:  finalText,
		Metadata:   metadata,
		ScenarioID: scenario.ID,
		TokenUsage: maps.Clone(usage),
		LatencyMs:  latency.Milliseconds(),
	}
	if err := a.log.Append(rec); err != nil {
		return nil, fmt.Errorf("appending audit record: %w", err)
	}

	a.logger.Debug("agent request handled",
		slog.String("scenario_id", scenario.ID),
		slog.String("action", action),
		slog.Int("issues", len(issues)))

	return &ports.AgentResponse{
		FinalText: finalText,
		Action:    action,
		Issues:    issues,
		RawOutput: out,
	}, nil
}

func buildPrompt(question, retrieval string) string {
	var b strings.Builder
	b.WriteString("You are a careful healthcare information assistant. Answer plainly, avoid diagnosis, ")
	b.WriteString("and direct the user to their treating professionals for personal advice.\n\n")
	if retrieval != "" {
		b.WriteString("Context:\n")
		b.WriteString(retrieval)
		b.WriteString("\n\n")
	}
	b.WriteString("Question:\n")
	b.WriteString(question)
	return b.String()
}

func applyDecision(text, action string, issues []ports.ComplianceIssue) string {
	if action == "block" {
		return BlockMessage
	}
	text = strings.TrimSpace(text)
	if action == "warn" {
		var warnings []string
		for _, iss := range issues {
			if iss.Severity == "warn" {
				warnings = append(warnings, "⚠️ "+iss.Message)
			}
		}
		if len(warnings) > 0 {
			text = strings.Join(warnings, "\n") + "\n\n" + text
		}
	}
	return strings.TrimSpace(text)
}
