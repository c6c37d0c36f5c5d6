package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/audit-timeline/internal/auditlog"
	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/domain"
	"github.com/tjfontaine/audit-timeline/internal/llm"
	"github.com/tjfontaine/audit-timeline/internal/storage/memory"
	"github.com/tjfontaine/audit-timeline/internal/timeline"
)

func newOllama(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"model": body["model"], "response": answer, "done": true})
	}))
	t.Cleanup(server.Close)
	return server
}

func newAppender(t *testing.T) *auditlog.Appender {
	t.Helper()
	a, err := auditlog.NewAppender(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLocalAgent_AppendsAuditRecord(t *testing.T) {
	server := newOllama(t, "  Drink water and rest.  ")
	log := newAppender(t)
	fixed := time.Date(2025, 3, 2, 10, 15, 4, 0, time.UTC)

	a := NewLocalAgent(llm.NewClient(llm.ModeOllama, server.URL), log, DefaultScenarios(),
		WithClock(func() time.Time { return fixed }))

	resp, err := a.HandleRequest(context.Background(), "C", ports.QueryRequest{
		UserID: "ui", Question: "How do I treat a cold?", SessionID: "C-live-abcd1234", Channel: "ui-dashboard",
		Extra: map[string]string{"judge": "none"},
	})
	require.NoError(t, err)
	assert.Equal(t, "allow", resp.Action)
	assert.Equal(t, "Drink water and rest.", resp.FinalText)
	assert.Equal(t, "alibayram/medgemma:4b", resp.RawOutput.Model)

	lines := readLines(t, log.Path())
	require.Len(t, lines, 1)
	rec := lines[0]
	assert.Equal(t, "2025-03-02T10:15:04.000000Z", rec["timestamp"])
	assert.Equal(t, "C", rec["scenario_id"])
	assert.Equal(t, "ui", rec["user_id"])
	assert.Equal(t, []any{}, rec["issues"])
	assert.Equal(t, "none", rec["metadata"].(map[string]any)["judge"])
	assert.Equal(t, "  Drink water and rest.  ", rec["raw_model"].(map[string]any)["text"])
	assert.NotEmpty(t, rec["token_usage"])
}

func TestLocalAgent_RecordNormalizesIntoTimeline(t *testing.T) {
	server := newOllama(t, "Answer")
	log := newAppender(t)
	screen := func(ports.QueryRequest, ports.ModelOutput) (string, []ports.ComplianceIssue) {
		return "warn", []ports.ComplianceIssue{{Severity: "warn", Message: "Add a disclaimer.", RuleID: "compliance.disclaimer_missing"}}
	}
	a := NewLocalAgent(llm.NewClient(llm.ModeOllama, server.URL), log, DefaultScenarios(), WithScreen(screen))

	resp, err := a.HandleRequest(context.Background(), "A", ports.QueryRequest{UserID: "ui", SessionID: "s", Question: "Q"})
	require.NoError(t, err)
	assert.Equal(t, "⚠️ Add a disclaimer.\n\nAnswer", resp.FinalText)

	r := timeline.NewReader(log.Path(), memory.New())
	events, _, err := r.Collect(context.Background(), timeline.Position{}, "ui-s", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventLLMResponse, events[0].Type())
	assert.Equal(t, domain.EventJudgeVerdict, events[1].Type())
	src, ok := domain.SourceOf(events[1].Payload)
	require.True(t, ok)
	assert.Equal(t, domain.ProviderAgent, src.Provider)
}

func TestLocalAgent_BlockReplacesAnswer(t *testing.T) {
	server := newOllama(t, "Take 10x the dose.")
	screen := func(ports.QueryRequest, ports.ModelOutput) (string, []ports.ComplianceIssue) {
		return "block", []ports.ComplianceIssue{{Severity: "block", Message: "Unsafe dosage.", RuleID: "safety.dosage"}}
	}
	a := NewLocalAgent(llm.NewClient(llm.ModeOllama, server.URL), newAppender(t), DefaultScenarios(), WithScreen(screen))

	resp, err := a.HandleRequest(context.Background(), "A", ports.QueryRequest{Question: "Q"})
	require.NoError(t, err)
	assert.Equal(t, BlockMessage, resp.FinalText)
}

func TestLocalAgent_RAGScenarioUsesContext(t *testing.T) {
	var prompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		prompt, _ = body["prompt"].(string)
		w.Write([]byte(`{"response":"ok"}`))
	}))
	defer server.Close()

	src := func(context.Context, string) (string, error) { return "APP 6 permits disclosure to the care team.", nil }
	a := NewLocalAgent(llm.NewClient(llm.ModeOllama, server.URL), newAppender(t), DefaultScenarios(), WithContextSource(src))

	resp, err := a.HandleRequest(context.Background(), "B", ports.QueryRequest{Question: "Who sees my records?"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "Context:\nAPP 6 permits")
	assert.Equal(t, "APP 6 permits disclosure to the care team.", resp.RawOutput.RetrievalContext)

	_, err = a.HandleRequest(context.Background(), "A", ports.QueryRequest{Question: "Who sees my records?"})
	require.NoError(t, err)
	assert.NotContains(t, prompt, "Context:")
}

func TestLocalAgent_Failures(t *testing.T) {
	log := newAppender(t)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	a := NewLocalAgent(llm.NewClient(llm.ModeOllama, failing.URL), log, DefaultScenarios())

	_, err := a.HandleRequest(context.Background(), "Z", ports.QueryRequest{Question: "Q"})
	assert.ErrorContains(t, err, `scenario "Z" is not defined`)

	_, err = a.HandleRequest(context.Background(), "A", ports.QueryRequest{Question: "Q"})
	assert.ErrorContains(t, err, "status 500")

	size, err := auditlog.Size(log.Path())
	require.NoError(t, err)
	assert.Zero(t, size)
}
