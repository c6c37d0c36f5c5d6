package domain

import (
	"encoding/json"
	"time"
)

// EventType is the discriminant of a timeline event payload.
type EventType string

const (
	EventUserPrompt     EventType = "user_prompt"
	EventLLMResponse    EventType = "llm_response"
	EventJudgeVerdict   EventType = "judge_verdict"
	EventMetricSnapshot EventType = "metric_snapshot"

	// EventAuditRecord is the fallback type for records that carry no event_type.
	EventAuditRecord EventType = "audit_record"
)

// Payload is the closed set of timeline payload variants:
// *UserPrompt, *LLMResponse, *JudgeVerdict, *MetricSnapshot and *RawRecord.
type Payload interface {
	Kind() EventType
	isPayload()
}

// ExchangeRef is the header shared by exchange-scoped payloads.
type ExchangeRef struct {
	ExchangeID string      `json:"exchange_id"`
	TurnIndex  int         `json:"turn_index"`
	Source     EventSource `json:"source"`
	CreatedAt  time.Time   `json:"created_at"`
}

// UserPrompt is the submission that initiated an exchange.
type UserPrompt struct {
	ExchangeRef
	PromptText       string `json:"prompt_text"`
	PromptRedacted   string `json:"prompt_redacted,omitempty"`
	QuestionCategory string `json:"question_category,omitempty"`
}

// LLMResponse is the base model answer recorded for an exchange.
type LLMResponse struct {
	ExchangeRef
	PromptChars      int            `json:"prompt_chars"`
	CompletionChars  int            `json:"completion_chars"`
	LatencyMs        *int64         `json:"latency_ms,omitempty"`
	TokenUsage       map[string]int `json:"token_usage"`
	QuestionCategory string         `json:"question_category,omitempty"`
	ContextTokens    *int64         `json:"context_tokens,omitempty"`
	PromptPreview    *string        `json:"prompt_preview,omitempty"`
	PIIRedactedText  string         `json:"pii_redacted_text"`
	PIIRawText       *string        `json:"pii_raw_text,omitempty"`
	PIIFields        []string       `json:"pii_fields"`
}

// RedactedMessage prefers the privacy-safe body.
func (r *LLMResponse) RedactedMessage() string {
	if r.PIIRedactedText != "" || r.PIIRawText == nil {
		return r.PIIRedactedText
	}
	return *r.PIIRawText
}

// JudgeVerdict is one assessment of an exchange, internal or external.
type JudgeVerdict struct {
	ExchangeRef
	Verdict           Verdict          `json:"verdict"`
	Score             *float64         `json:"score,omitempty"`
	RationaleRedacted string           `json:"rationale_redacted,omitempty"`
	RationaleRaw      string           `json:"rationale_raw,omitempty"`
	Violation         *ViolationDetail `json:"violation,omitempty"`
	LatencyMs         *int64           `json:"latency_ms,omitempty"`
	Metadata          map[string]any   `json:"metadata"`
}

// MetricSnapshot carries aggregate metrics for a run or window.
type MetricSnapshot struct {
	RunID       string                    `json:"run_id"`
	CapturedAt  time.Time                 `json:"captured_at"`
	Metrics     map[string]any            `json:"metrics"`
	WindowStart *time.Time                `json:"window_start,omitempty"`
	WindowEnd   *time.Time                `json:"window_end,omitempty"`
	Breakdowns  map[string]map[string]any `json:"breakdowns,omitempty"`
}

// RawRecord preserves a record no typed rule matched, keyed by its own event type.
type RawRecord struct {
	Type   EventType
	Fields map[string]any
}

func (*UserPrompt) Kind() EventType     { return EventUserPrompt }
func (*LLMResponse) Kind() EventType    { return EventLLMResponse }
func (*JudgeVerdict) Kind() EventType   { return EventJudgeVerdict }
func (*MetricSnapshot) Kind() EventType { return EventMetricSnapshot }

func (r *RawRecord) Kind() EventType {
	if r.Type == "" {
		return EventAuditRecord
	}
	return r.Type
}

func (*UserPrompt) isPayload()     {}
func (*LLMResponse) isPayload()    {}
func (*JudgeVerdict) isPayload()   {}
func (*MetricSnapshot) isPayload() {}
func (*RawRecord) isPayload()      {}

// MarshalJSON emits the preserved fields as a flat object.
func (r *RawRecord) MarshalJSON() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// SourceOf returns the EventSource of exchange-scoped payloads.
func SourceOf(p Payload) (EventSource, bool) {
	switch v := p.(type) {
	case *UserPrompt:
		return v.Source, true
	case *LLMResponse:
		return v.Source, true
	case *JudgeVerdict:
		return v.Source, true
	default:
		return EventSource{}, false
	}
}
