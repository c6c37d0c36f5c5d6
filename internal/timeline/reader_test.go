package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/audit-timeline/internal/auditlog"
	"github.com/tjfontaine/audit-timeline/internal/domain"
	"github.com/tjfontaine/audit-timeline/internal/storage/memory"
	"github.com/tjfontaine/audit-timeline/internal/testutil"
)

func newTestReader(path string) *Reader {
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewReader(path, memory.New(), WithClock(func() time.Time { return fixed }))
}

func collectAll(t *testing.T, r *Reader, runID string) []domain.TimelineEvent {
	t.Helper()
	var out []domain.TimelineEvent
	for ev, err := range r.ReadAll(context.Background(), runID) {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestReadAllScenario(t *testing.T) {
	path := testutil.WriteAuditLog(t, map[string]any{
		"user_id": "u1", "session_id": "s1", "question": "Q", "action": "allow", "final_text": "A",
	})
	r := newTestReader(path)

	runs, err := r.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "u1-s1", runs[0].RunID)

	events := collectAll(t, r, "u1-s1")
	require.Len(t, events, 1)
	resp := events[0].Payload.(*domain.LLMResponse)
	assert.Equal(t, 1, resp.PromptChars)
	assert.Equal(t, 1, resp.CompletionChars)
	assert.Equal(t, "u1-s1-turn-0", events[0].ExchangeID)
}

func TestReadAllFiltersRunAndAssignsFallbackTurns(t *testing.T) {
	path := testutil.WriteAuditLog(t,
		map[string]any{"run_id": "a", "final_text": "1", "timestamp": "2024-01-01T00:00:00Z"},
		map[string]any{"run_id": "b", "final_text": "x"},
		map[string]any{"run_id": "a", "final_text": "2", "turn_index": 5},
		map[string]any{"run_id": "a", "final_text": "3"},
	)
	testutil.AppendRawLine(t, path, "{not json\n")
	testutil.AppendAuditLog(t, path, map[string]any{"run_id": "a", "event_type": "metric"})

	events := collectAll(t, newTestReader(path), "a")
	require.Len(t, events, 4)

	turns := []int{events[0].TurnIndex, events[1].TurnIndex, events[2].TurnIndex, events[3].TurnIndex}
	assert.Equal(t, []int{0, 5, 6, 7}, turns)
	assert.Equal(t, "a-turn-6", events[2].ExchangeID)
	assert.Equal(t, domain.EventType("metric"), events[3].Type())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), events[0].Run.StartedAt)
}

func TestReadAllIsRestartable(t *testing.T) {
	path := testutil.WriteAuditLog(t, map[string]any{"run_id": "a", "final_text": "1"})
	r := newTestReader(path)

	seq := r.ReadAll(context.Background(), "a")
	count := 0
	for range 2 {
		for _, err := range seq {
			require.NoError(t, err)
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestReadFromEquivalentToReadAll(t *testing.T) {
	path := testutil.WriteAuditLog(t,
		map[string]any{"run_id": "a", "final_text": "1"},
		map[string]any{"run_id": "a", "final_text": "2"},
	)
	r := newTestReader(path)

	before, pos, err := r.Collect(context.Background(), Position{}, "a", 0)
	require.NoError(t, err)
	require.Len(t, before, 2)

	size, err := auditlog.Size(path)
	require.NoError(t, err)
	assert.Equal(t, size, pos.Offset)

	testutil.AppendAuditLog(t, path,
		map[string]any{"run_id": "a", "final_text": "3", "issues": []any{map[string]any{"severity": "warn"}}},
		map[string]any{"run_id": "other", "final_text": "zzz"},
	)

	tail, _, err := r.Collect(context.Background(), pos, "a", 0)
	require.NoError(t, err)

	full := collectAll(t, r, "a")
	require.Len(t, full, 4)
	assert.Equal(t, full[len(before):], tail)
}

func TestReadFromPartialLineNotConsumed(t *testing.T) {
	path := testutil.WriteAuditLog(t, map[string]any{"run_id": "a", "final_text": "1"})
	testutil.AppendRawLine(t, path, `{"run_id":"a","final_`)
	r := newTestReader(path)

	events, pos, err := r.Collect(context.Background(), Position{}, "a", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	testutil.AppendRawLine(t, path, "text\":\"2\"}\n")
	events, _, err = r.Collect(context.Background(), pos, "a", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2", events[0].Payload.(*domain.LLMResponse).PIIRedactedText)
	assert.Equal(t, 1, events[0].TurnIndex)
}

func TestCollectLimit(t *testing.T) {
	path := testutil.WriteAuditLog(t,
		map[string]any{"run_id": "a", "final_text": "1"},
		map[string]any{"run_id": "a", "final_text": "2"},
		map[string]any{"run_id": "a", "final_text": "3"},
	)
	events, _, err := newTestReader(path).Collect(context.Background(), Position{}, "a", 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestListRunsDiscoveryOrderAndCache(t *testing.T) {
	path := testutil.WriteAuditLog(t,
		map[string]any{"session_id": "s2", "scenario_id": "B", "run_tags": map[string]any{"k": "v"}},
		map[string]any{"run_id": "r1"},
		map[string]any{"session_id": "s2", "scenario_id": "Z"},
		map[string]any{"question": "orphan"},
	)
	r := newTestReader(path)

	runs, err := r.ListRuns(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, run := range runs {
		ids = append(ids, run.RunID)
	}
	assert.Equal(t, []string{"s2", "r1", domain.UnknownRunID}, ids)
	assert.Equal(t, "B", runs[0].ScenarioID)
	assert.Equal(t, map[string]string{"k": "v"}, runs[0].Tags)

	r.Index().Replace(runs[0].WithTags(map[string]string{"ui_live": "true"}))
	runs, err = r.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "true", runs[0].Tags["ui_live"])
}

func TestReadAllMissingFile(t *testing.T) {
	r := newTestReader(t.TempDir() + "/missing.jsonl")
	for _, err := range r.ReadAll(context.Background(), "a") {
		assert.Error(t, err)
	}
}
