// Package console synthesizes a live exchange: it submits a prompt to the agent,
// reads back what the agent appended to the audit log, and adds the user prompt
// and any external judge verdicts.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/audit-timeline/internal/agent"
	"github.com/tjfontaine/audit-timeline/internal/auditlog"
	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/domain"
	"github.com/tjfontaine/audit-timeline/internal/judge"
	"github.com/tjfontaine/audit-timeline/internal/timeline"
)

var (
	ErrEmptyPrompt      = errors.New("prompt must not be empty")
	ErrUnknownScenario  = errors.New("unknown scenario")
	ErrUnknownJudge     = errors.New("unknown judge mode")
	ErrAgentUnavailable = errors.New("agent unavailable")
	ErrAgentFailed      = errors.New("agent request failed")
	ErrNoAuditRecords   = errors.New("no audit records captured")
	ErrNoEvents         = errors.New("no timeline events parsed")
)

const (
	UserID  = "ui"
	Channel = "ui-dashboard"

	// promptLead places the synthesized prompt ahead of the captured events.
	promptLead = 200 * time.Millisecond
)

// Judges runs external judges for a mode and reports which modes are available.
type Judges interface {
	Evaluate(ctx context.Context, mode judge.Mode, req ports.JudgeRequest) ([]ports.JudgeResult, error)
	Options() []judge.Option
}

// Submission is one console request.
type Submission struct {
	Prompt     string `json:"prompt"`
	ScenarioID string `json:"scenario_id"`
	JudgeID    string `json:"judge_id"`
}

// Result is the run and ordered events of a single live exchange.
type Result struct {
	Run    domain.RunMetadata     `json:"run"`
	Events []domain.TimelineEvent `json:"events"`
}

// Options lists what a console client may choose from.
type Options struct {
	Scenarios []agent.Scenario `json:"scenarios"`
	Judges    []judge.Option   `json:"judges"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithSessionIDs overrides the session suffix generator.
func WithSessionIDs(next func() string) Option {
	return func(g *Gateway) {
		g.sessionSuffix = next
	}
}

// Gateway is the interactive query gateway.
type Gateway struct {
	reader        *timeline.Reader
	agent         ports.Agent
	judges        Judges
	scenarios     []agent.Scenario
	logger        *slog.Logger
	now           func() time.Time
	sessionSuffix func() string
}

// New creates a Gateway. judges may be nil, in which case every judge mode is skipped.
func New(reader *timeline.Reader, a ports.Agent, judges Judges, scenarios []agent.Scenario, opts ...Option) *Gateway {
	g := &Gateway{
		reader:        reader,
		agent:         a,
		judges:        judges,
		scenarios:     scenarios,
		logger:        slog.Default(),
		now:           time.Now,
		sessionSuffix: randomSuffix,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Options returns the configured scenarios and judge availability.
func (g *Gateway) Options() Options {
	opts := Options{Scenarios: slices.Clone(g.scenarios)}
	if g.judges != nil {
		opts.Judges = g.judges.Options()
	} else {
		opts.Judges = []judge.Option{{ID: judge.ModeNone, Label: "No external judge", Available: true}}
	}
	return opts
}

// Submit runs one live exchange end to end.
func (g *Gateway) Submit(ctx context.Context, sub Submission) (*Result, error) {
	prompt := strings.TrimSpace(sub.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	scenario, ok := agent.Find(g.scenarios, sub.ScenarioID)
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownScenario, sub.ScenarioID)
	}
	mode, ok := judge.ParseMode(sub.JudgeID)
	if !ok {
		return nil, fmt.Errorf("%w '%s'", ErrUnknownJudge, sub.JudgeID)
	}
	if g.agent == nil {
		return nil, ErrAgentUnavailable
	}

	ctx, span := otel.Tracer("console").Start(ctx, "console.submit")
	defer span.End()

	sessionID := fmt.Sprintf("%s-live-%s", scenario.ID, g.sessionSuffix())
	span.SetAttributes(
		attribute.String("console.scenario_id", scenario.ID),
		attribute.String("console.judge_mode", string(mode)),
		attribute.String("console.session_id", sessionID),
	)
	g.logger.Info("console submission received",
		slog.String("scenario_id", scenario.ID),
		slog.String("judge_mode", string(mode)),
		slog.String("session_id", sessionID),
		slog.Int("prompt_chars", len(prompt)))

	before, err := auditlog.Size(g.reader.Path())
	if err != nil {
		return nil, fmt.Errorf("stat audit log: %w", err)
	}

	resp, err := g.agent.HandleRequest(ctx, scenario.ID, ports.QueryRequest{
		UserID:    UserID,
		Question:  prompt,
		SessionID: sessionID,
		Channel:   Channel,
		Extra:     map[string]string{"scenario": scenario.ID, "judge": string(mode)},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent failed")
		return nil, fmt.Errorf("%w: %w", ErrAgentFailed, err)
	}

	events, err := g.captureEvents(ctx, before, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return nil, err
	}

	run := events[len(events)-1].Run
	exchangeID := events[len(events)-1].ExchangeID
	events = slices.Insert(events, 0, g.userPromptEvent(run, exchangeID, events[0].TurnIndex, prompt, scenario.ID, events))

	external, err := g.externalVerdicts(ctx, mode, run, exchangeID, events[len(events)-1].TurnIndex, prompt, resp)
	if err != nil {
		return nil, err
	}
	if len(external) > 0 {
		events = slices.DeleteFunc(events, isAgentVerdict)
		events = append(events, external...)
	}

	augmented := domain.RunMetadata{
		RunID:      run.RunID,
		ScenarioID: scenario.ID,
		StartedAt:  g.now().UTC(),
		Tags:       run.Tags,
	}.WithTags(map[string]string{"ui_live": "true", "judge": string(mode)})
	g.reader.Index().Replace(augmented)

	for i := range events {
		events[i] = events[i].WithRun(augmented)
	}
	domain.SortEvents(events)

	g.logger.Info("console submission completed",
		slog.String("session_id", sessionID),
		slog.String("exchange_id", exchangeID),
		slog.Int("events_emitted", len(events)),
		slog.String("judge_mode", string(mode)))

	return &Result{Run: augmented, Events: events}, nil
}

// captureEvents converts every complete line appended after offset.
func (g *Gateway) captureEvents(ctx context.Context, offset int64, sessionID string) ([]domain.TimelineEvent, error) {
	events, pos, err := g.reader.Collect(ctx, timeline.Position{Offset: offset}, "", 0)
	if err != nil {
		return nil, fmt.Errorf("reading new audit records: %w", err)
	}
	if pos.Offset == offset {
		g.logger.Error("console submission produced no new audit records",
			slog.String("session_id", sessionID), slog.Int64("offset", offset))
		return nil, ErrNoAuditRecords
	}
	if len(events) == 0 {
		g.logger.Error("console submission failed to parse timeline events",
			slog.String("session_id", sessionID), slog.Int64("offset", offset))
		return nil, ErrNoEvents
	}
	return events, nil
}

func (g *Gateway) userPromptEvent(run domain.RunMetadata, exchangeID string, turn int, prompt, scenarioID string, captured []domain.TimelineEvent) domain.TimelineEvent {
	earliest := captured[0].CreatedAt
	for _, ev := range captured[1:] {
		if ev.CreatedAt.Before(earliest) {
			earliest = ev.CreatedAt
		}
	}
	createdAt := earliest.Add(-promptLead)

	return domain.TimelineEvent{
		Run:        run,
		ExchangeID: exchangeID,
		TurnIndex:  turn,
		CreatedAt:  createdAt,
		Payload: &domain.UserPrompt{
			ExchangeRef: domain.ExchangeRef{
				ExchangeID: exchangeID,
				TurnIndex:  turn,
				Source: domain.EventSource{
					ModelID:  Channel,
					Provider: domain.ProviderUser,
					Mode:     "prompt",
					Metadata: map[string]any{"scenario_id": scenarioID},
				},
				CreatedAt: createdAt,
			},
			PromptText:     prompt,
			PromptRedacted: prompt,
		},
	}
}

func (g *Gateway) externalVerdicts(ctx context.Context, mode judge.Mode, run domain.RunMetadata, exchangeID string, turn int, prompt string, resp *ports.AgentResponse) ([]domain.TimelineEvent, error) {
	if mode == judge.ModeNone || g.judges == nil {
		return nil, nil
	}
	results, err := g.judges.Evaluate(ctx, mode, ports.JudgeRequest{
		Question:         prompt,
		FinalText:        resp.FinalText,
		RawText:          resp.RawOutput.Text,
		RetrievalContext: resp.RawOutput.RetrievalContext,
	})
	if err != nil {
		return nil, fmt.Errorf("running judges: %w", err)
	}
	if len(results) == 0 {
		g.logger.Warn("external judge returned no results",
			slog.String("exchange_id", exchangeID), slog.String("judge_mode", string(mode)))
		return nil, nil
	}

	events := make([]domain.TimelineEvent, 0, len(results))
	verdicts := make([]string, 0, len(results))
	for _, res := range results {
		ev := VerdictEvent(run, exchangeID, turn, res, g.now().UTC())
		events = append(events, ev)
		verdicts = append(verdicts, string(ev.Payload.(*domain.JudgeVerdict).Verdict))
	}
	g.logger.Info("external judge events appended",
		slog.String("exchange_id", exchangeID),
		slog.String("judge_mode", string(mode)),
		slog.Int("count", len(events)),
		slog.Any("verdicts", verdicts))
	return events, nil
}

// VerdictEvent converts an external judge result into a judge_verdict event.
func VerdictEvent(run domain.RunMetadata, exchangeID string, turn int, res ports.JudgeResult, at time.Time) domain.TimelineEvent {
	verdict := judge.ScoreToVerdict(res.Compliance)
	severity := domain.Severity(verdict)
	if verdict == domain.VerdictAllow {
		severity = domain.SeverityInfo
	}
	var latency *int64
	if res.Latency > 0 {
		ms := res.Latency.Milliseconds()
		latency = &ms
	}

	return domain.TimelineEvent{
		Run:        run,
		ExchangeID: exchangeID,
		TurnIndex:  turn,
		CreatedAt:  at,
		Payload: &domain.JudgeVerdict{
			ExchangeRef: domain.ExchangeRef{
				ExchangeID: exchangeID,
				TurnIndex:  turn,
				Source: domain.EventSource{
					ModelID:  res.Model,
					Provider: domain.ProviderExternalJudge,
					Mode:     "judge",
					Metadata: map[string]any{"judge_id": res.JudgeID},
				},
				CreatedAt: at,
			},
			Verdict:           verdict,
			Score:             res.Compliance,
			RationaleRedacted: res.Reasoning,
			Violation: &domain.ViolationDetail{
				Category:      res.JudgeID,
				Severity:      severity,
				ViolationType: "external_judge",
				Description:   res.Reasoning,
			},
			LatencyMs: latency,
			Metadata:  map[string]any{"judge_id": res.JudgeID},
		},
	}
}

func isAgentVerdict(ev domain.TimelineEvent) bool {
	v, ok := ev.Payload.(*domain.JudgeVerdict)
	return ok && v.Source.Provider == domain.ProviderAgent
}
