package timeline

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tjfontaine/audit-timeline/internal/domain"
)

// Input is the envelope context a rule converts a record under.
type Input struct {
	Run        domain.RunMetadata
	ExchangeID string
	TurnIndex  int
	Record     Record
	CreatedAt  time.Time
}

func (in Input) envelope(p domain.Payload) domain.TimelineEvent {
	return domain.TimelineEvent{
		Run:        in.Run,
		ExchangeID: in.ExchangeID,
		TurnIndex:  in.TurnIndex,
		Payload:    p,
		CreatedAt:  in.CreatedAt,
	}
}

func (in Input) ref(src domain.EventSource) domain.ExchangeRef {
	return domain.ExchangeRef{
		ExchangeID: in.ExchangeID,
		TurnIndex:  in.TurnIndex,
		Source:     src,
		CreatedAt:  in.CreatedAt,
	}
}

// Rule is one typed matcher. Match returns the events the record yields under
// the rule, or nil when the record does not have the rule's shape.
type Rule struct {
	Name  string
	Match func(in Input) []domain.TimelineEvent
}

// LLMResponseRule matches records carrying raw_model or final_text.
var LLMResponseRule = Rule{Name: string(domain.EventLLMResponse), Match: matchLLMResponse}

// IssuesRule matches records carrying a non-empty issues list.
var IssuesRule = Rule{Name: string(domain.EventJudgeVerdict), Match: matchIssues}

// DefaultRules is the built-in priority order.
func DefaultRules() []Rule {
	return []Rule{LLMResponseRule, IssuesRule}
}

// Normalizer converts raw records into timeline events.
//
// Rules run in order and their batches concatenate, so a record holding both an
// answer and its compliance findings yields both facets. When no rule matches,
// the record is preserved as a single fallback event.
type Normalizer struct {
	rules []Rule
}

// NewNormalizer builds a Normalizer. With no rules it uses DefaultRules.
func NewNormalizer(rules ...Rule) *Normalizer {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Normalizer{rules: rules}
}

// Normalize returns at least one event for every record.
func (n *Normalizer) Normalize(in Input) []domain.TimelineEvent {
	var events []domain.TimelineEvent
	for _, rule := range n.rules {
		events = append(events, rule.Match(in)...)
	}
	if len(events) > 0 {
		return events
	}
	return []domain.TimelineEvent{fallbackEvent(in)}
}

func matchLLMResponse(in Input) []domain.TimelineEvent {
	rec := in.Record
	raw := rec.Object("raw_model")
	finalText := rec.Text("final_text")
	if len(raw) == 0 && finalText == "" {
		return nil
	}

	modelID := raw.Text("model")
	if modelID == "" {
		modelID = rec.Text("model")
	}
	if modelID == "" {
		modelID = "unknown-model"
	}
	provider := rec.Text("model_provider")
	if provider == "" {
		provider = domain.ProviderPipeline
	}

	promptText := raw.Text("prompt")
	if promptText == "" {
		promptText = rec.Text("question")
	}
	rawCompletion := raw.Text("text")
	completion := rawCompletion
	if completion == "" {
		completion = finalText
	}
	redacted := finalText
	if redacted == "" {
		redacted = completion
	}

	payload := &domain.LLMResponse{
		ExchangeRef: in.ref(domain.EventSource{
			ModelID:  modelID,
			Provider: provider,
			Mode:     rec.FirstText("mode", "route"),
			Metadata: map[string]any{
				"scenario": rec["scenario_id"],
				"channel":  rec["channel"],
			},
		}),
		PromptChars:      utf8.RuneCountInString(promptText),
		CompletionChars:  utf8.RuneCountInString(completion),
		LatencyMs:        optionalInt(rec, "latency_ms"),
		TokenUsage:       tokenUsage(rec.Object("token_usage")),
		QuestionCategory: rec.Text("question_category"),
		ContextTokens:    optionalInt(rec, "context_tokens"),
		PIIRedactedText:  redacted,
		PIIFields:        stringList(rec.List("pii_fields")),
	}
	if payload.ContextTokens == nil {
		payload.ContextTokens = optionalInt(rec, "context_length")
	}
	preview := rec.Text("question")
	if preview == "" {
		preview = promptText
	}
	if preview != "" {
		p := TruncatePreview(preview, PreviewLimit)
		payload.PromptPreview = &p
	}
	if s, ok := raw["text"].(string); ok {
		payload.PIIRawText = &s
	}

	return []domain.TimelineEvent{in.envelope(payload)}
}

func matchIssues(in Input) []domain.TimelineEvent {
	rec := in.Record
	issues := rec.List("issues")
	if len(issues) == 0 {
		issues = rec.List("compliance_issues")
	}
	if len(issues) == 0 {
		return nil
	}

	verdict := strings.ToLower(rec.Text("action"))
	if verdict == "" {
		verdict = string(domain.VerdictAllow)
	}
	judgeModel := rec.FirstText("judge_model", "judge")
	if judgeModel == "" {
		judgeModel = "cam.compliance"
	}
	judgeProvider := rec.Text("judge_provider")
	if judgeProvider == "" {
		judgeProvider = domain.ProviderAgent
	}

	events := make([]domain.TimelineEvent, 0, len(issues))
	for index, item := range issues {
		issue, ok := item.(map[string]any)
		if !ok {
			continue
		}
		iss := Record(issue)

		severity := iss.Text("severity")
		if severity == "" {
			severity = string(domain.SeverityWarn)
		}
		category := iss.Text("rule_id")
		if category == "" {
			category = "policy_violation"
		}
		message := iss.Text("message")

		payload := &domain.JudgeVerdict{
			ExchangeRef: in.ref(domain.EventSource{
				ModelID:  judgeModel,
				Provider: judgeProvider,
				Mode:     "judge",
				Metadata: map[string]any{"issue_index": index},
			}),
			Verdict:           domain.Verdict(verdict),
			RationaleRedacted: message,
			Violation: &domain.ViolationDetail{
				Category:        category,
				Severity:        domain.NormalizeSeverity(severity),
				ViolationType:   iss.FirstText("violation_type", "category"),
				ClauseReference: iss.FirstText("clause", "reference"),
				Description:     message,
			},
			LatencyMs: optionalInt(iss, "latency_ms"),
			Metadata:  map[string]any{"references": iss["references"]},
		}
		if score, ok := iss.Float("score"); ok {
			payload.Score = &score
		}
		events = append(events, in.envelope(payload))
	}
	return events
}

func fallbackEvent(in Input) domain.TimelineEvent {
	eventType := domain.EventType(in.Record.Text("event_type"))
	if eventType == "" {
		eventType = domain.EventAuditRecord
	}
	return in.envelope(&domain.RawRecord{
		Type:   eventType,
		Fields: in.Record.Without("run_id", "turn_index", "timestamp"),
	})
}

func optionalInt(rec Record, key string) *int64 {
	if n, ok := rec.Int(key); ok {
		return &n
	}
	return nil
}

func tokenUsage(obj Record) map[string]int {
	usage := make(map[string]int, len(obj))
	for k := range obj {
		if n, ok := obj.Int(k); ok {
			usage[k] = int(n)
		}
	}
	return usage
}

func stringList(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
