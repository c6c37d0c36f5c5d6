package timeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/audit-timeline/internal/domain"
)

func normalizeRecord(t *testing.T, raw string) []domain.TimelineEvent {
	t.Helper()
	rec, err := ParseRecord([]byte(raw))
	require.NoError(t, err)
	return NewNormalizer().Normalize(Input{
		Run:        domain.RunMetadata{RunID: ResolveRunID(rec)},
		ExchangeID: "ex-1",
		TurnIndex:  0,
		Record:     rec,
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func TestNormalizeLLMResponseMinimal(t *testing.T) {
	events := normalizeRecord(t, `{"user_id":"u1","session_id":"s1","question":"Q","action":"allow","final_text":"A"}`)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventLLMResponse, events[0].Type())

	resp := events[0].Payload.(*domain.LLMResponse)
	assert.Equal(t, 1, resp.PromptChars)
	assert.Equal(t, 1, resp.CompletionChars)
	assert.Equal(t, "unknown-model", resp.Source.ModelID)
	assert.Equal(t, domain.ProviderPipeline, resp.Source.Provider)
	assert.Equal(t, "A", resp.PIIRedactedText)
	assert.Nil(t, resp.PIIRawText)
	require.NotNil(t, resp.PromptPreview)
	assert.Equal(t, "Q", *resp.PromptPreview)
	assert.Equal(t, "ex-1", resp.ExchangeID)
}

func TestNormalizeLLMResponseFromRawModel(t *testing.T) {
	events := normalizeRecord(t, `{
		"question": "héllo?",
		"final_text": "filtered",
		"model": "fallback-model",
		"route": "rag",
		"latency_ms": 812,
		"context_length": 2048,
		"token_usage": {"prompt": 10, "completion": 4},
		"pii_fields": ["name"],
		"raw_model": {"model": "gemma3:4b", "prompt": "SYSTEM\nhéllo?", "text": "raw answer"}
	}`)
	require.Len(t, events, 1)
	resp := events[0].Payload.(*domain.LLMResponse)

	assert.Equal(t, "gemma3:4b", resp.Source.ModelID)
	assert.Equal(t, "rag", resp.Source.Mode)
	assert.Equal(t, len([]rune("SYSTEM\nhéllo?")), resp.PromptChars)
	assert.Equal(t, len("raw answer"), resp.CompletionChars)
	assert.Equal(t, "filtered", resp.PIIRedactedText)
	require.NotNil(t, resp.PIIRawText)
	assert.Equal(t, "raw answer", *resp.PIIRawText)
	assert.Equal(t, "héllo?", *resp.PromptPreview)
	assert.Equal(t, int64(812), *resp.LatencyMs)
	assert.Equal(t, int64(2048), *resp.ContextTokens)
	assert.Equal(t, map[string]int{"prompt": 10, "completion": 4}, resp.TokenUsage)
	assert.Equal(t, []string{"name"}, resp.PIIFields)
}

func TestNormalizePromptPreviewTruncated(t *testing.T) {
	question := strings.Repeat("x", 500)
	events := normalizeRecord(t, `{"final_text":"a","question":"`+question+`"}`)
	resp := events[0].Payload.(*domain.LLMResponse)
	require.NotNil(t, resp.PromptPreview)
	assert.Equal(t, PreviewLimit, len([]rune(*resp.PromptPreview)))
	assert.Equal(t, 500, resp.PromptChars)
}

func TestNormalizeIssueSeverity(t *testing.T) {
	events := normalizeRecord(t, `{"issues":[{"severity":"error","rule_id":"x","message":"m"}]}`)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventJudgeVerdict, events[0].Type())

	v := events[0].Payload.(*domain.JudgeVerdict)
	assert.Equal(t, domain.SeverityBlock, v.Violation.Severity)
	assert.Equal(t, "x", v.Violation.Category)
	assert.Equal(t, "m", v.Violation.Description)
	assert.Equal(t, "m", v.RationaleRedacted)
	assert.Equal(t, domain.VerdictAllow, v.Verdict)
	assert.Equal(t, "cam.compliance", v.Source.ModelID)
	assert.Equal(t, domain.ProviderAgent, v.Source.Provider)
	assert.Equal(t, "judge", v.Source.Mode)
}

func TestNormalizeIssuesOnePerIssue(t *testing.T) {
	events := normalizeRecord(t, `{
		"action": "WARN",
		"judge_model": "rules-v2",
		"compliance_issues": [
			{"severity":"info","rule_id":"a","category":"disclaimer","clause":"4.1","score":2.5},
			{"severity":"bogus"},
			"not-an-object"
		]
	}`)
	require.Len(t, events, 2)

	first := events[0].Payload.(*domain.JudgeVerdict)
	assert.Equal(t, domain.VerdictWarn, first.Verdict)
	assert.Equal(t, domain.SeverityInfo, first.Violation.Severity)
	assert.Equal(t, "disclaimer", first.Violation.ViolationType)
	assert.Equal(t, "4.1", first.Violation.ClauseReference)
	assert.Equal(t, 2.5, *first.Score)
	assert.Equal(t, "rules-v2", first.Source.ModelID)
	assert.Equal(t, 0, first.Source.Metadata["issue_index"])

	second := events[1].Payload.(*domain.JudgeVerdict)
	assert.Equal(t, domain.SeverityWarn, second.Violation.Severity)
	assert.Equal(t, "policy_violation", second.Violation.Category)
	assert.Nil(t, second.Score)
}

func TestNormalizeAnswerAndIssuesBothEmitted(t *testing.T) {
	events := normalizeRecord(t, `{
		"final_text": "answer",
		"action": "block",
		"issues": [{"severity":"block","rule_id":"r1"},{"severity":"warn","rule_id":"r2"}]
	}`)
	require.Len(t, events, 3)
	assert.Equal(t, domain.EventLLMResponse, events[0].Type())
	assert.Equal(t, domain.EventJudgeVerdict, events[1].Type())
	assert.Equal(t, domain.EventJudgeVerdict, events[2].Type())
	for _, ev := range events {
		assert.Equal(t, "ex-1", ev.ExchangeID)
		assert.Equal(t, 0, ev.TurnIndex)
	}
}

func TestNormalizeFallback(t *testing.T) {
	events := normalizeRecord(t, `{"run_id":"r","turn_index":3,"timestamp":"2024-01-01T00:00:00Z","event_type":"retrieval","hits":[1,2]}`)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventType("retrieval"), events[0].Type())

	raw := events[0].Payload.(*domain.RawRecord)
	assert.NotContains(t, raw.Fields, "run_id")
	assert.NotContains(t, raw.Fields, "turn_index")
	assert.NotContains(t, raw.Fields, "timestamp")
	assert.Contains(t, raw.Fields, "hits")
	assert.Contains(t, raw.Fields, "event_type")
}

func TestNormalizeFallbackDefaultType(t *testing.T) {
	events := normalizeRecord(t, `{"issues":[]}`)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAuditRecord, events[0].Type())
}

func TestNormalizeNeverDropsParsedRecords(t *testing.T) {
	inputs := []string{`{}`, `{"raw_model":{}}`, `{"final_text":""}`, `{"issues":"nope"}`, `{"x":null}`}
	for _, in := range inputs {
		assert.NotEmpty(t, normalizeRecord(t, in), in)
	}
}

func TestNormalizerCustomRules(t *testing.T) {
	called := false
	custom := Rule{Name: "noop", Match: func(Input) []domain.TimelineEvent {
		called = true
		return nil
	}}
	events := NewNormalizer(custom).Normalize(Input{Record: Record{"final_text": "a"}})
	assert.True(t, called)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAuditRecord, events[0].Type())
}
