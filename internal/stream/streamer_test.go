package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/audit-timeline/internal/domain"
	"github.com/tjfontaine/audit-timeline/internal/storage/memory"
	"github.com/tjfontaine/audit-timeline/internal/testutil"
	"github.com/tjfontaine/audit-timeline/internal/timeline"
)

type frameRecorder struct {
	ch chan Frame
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{ch: make(chan Frame, 64)}
}

func (r *frameRecorder) WriteFrame(ctx context.Context, f Frame) error {
	select {
	case r.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *frameRecorder) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func (r *frameRecorder) nextEvent(t *testing.T) Frame {
	t.Helper()
	for {
		if f := r.next(t); f.Event != HeartbeatEvent {
			return f
		}
	}
}

func testConfig() Config {
	return Config{
		DefaultPoll:     10 * time.Millisecond,
		MinPoll:         time.Millisecond,
		MaxPoll:         time.Second,
		HeartbeatFloor:  20 * time.Millisecond,
		HeartbeatFactor: 2,
	}
}

type running struct {
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func start(t *testing.T, s *Streamer, w FrameWriter, opts Options) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Stream(ctx, w, opts) }()
	r := &running{cancel: cancel, done: done}
	t.Cleanup(func() { r.stop(t) })
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.once.Do(func() {
		r.cancel()
		select {
		case err := <-r.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("stream did not stop after cancellation")
		}
	})
}

func newStreamer(path string, cfg Config) *Streamer {
	return NewStreamer(timeline.NewReader(path, memory.New()), cfg)
}

func TestStreamWithoutReplayEmitsOnlyAppended(t *testing.T) {
	path := testutil.WriteAuditLog(t,
		map[string]any{"run_id": "r", "final_text": "1"},
		map[string]any{"run_id": "r", "final_text": "2"},
		map[string]any{"run_id": "r", "final_text": "3"},
	)
	rec := newFrameRecorder()
	run := start(t, newStreamer(path, testConfig()), rec, Options{RunID: "r"})

	// A heartbeat proves the tail cursor is already positioned at EOF.
	require.Equal(t, HeartbeatEvent, rec.next(t).Event)

	testutil.AppendAuditLog(t, path,
		map[string]any{"run_id": "other", "final_text": "x"},
		map[string]any{"run_id": "r", "final_text": "4"},
	)
	f := rec.nextEvent(t)
	assert.Equal(t, string(domain.EventLLMResponse), f.Event)

	var ev domain.TimelineEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	assert.Equal(t, "4", ev.Payload.(*domain.LLMResponse).PIIRedactedText)
	assert.Equal(t, 0, ev.TurnIndex)

	run.stop(t)
	for {
		select {
		case f := <-rec.ch:
			assert.Equal(t, HeartbeatEvent, f.Event, "unexpected extra event frame")
		default:
			return
		}
	}
}

func TestStreamReplayThenTail(t *testing.T) {
	path := testutil.WriteAuditLog(t,
		map[string]any{"run_id": "r", "final_text": "1", "timestamp": "2024-01-01T00:00:00Z"},
		map[string]any{"run_id": "r", "final_text": "2", "timestamp": "2024-01-01T00:00:01Z",
			"issues": []any{map[string]any{"severity": "error", "rule_id": "x"}}},
	)
	rec := newFrameRecorder()
	start(t, newStreamer(path, testConfig()), rec, Options{RunID: "r", Replay: true})

	var events []domain.TimelineEvent
	var ids []int64
	for range 3 {
		f := rec.nextEvent(t)
		ids = append(ids, f.ID)
		var ev domain.TimelineEvent
		require.NoError(t, json.Unmarshal(f.Data, &ev))
		events = append(events, ev)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
	assert.Equal(t, domain.EventJudgeVerdict, events[2].Type())

	testutil.AppendAuditLog(t, path, map[string]any{"run_id": "r", "final_text": "3", "timestamp": "2024-01-01T00:00:02Z"})
	f := rec.nextEvent(t)
	assert.Greater(t, f.ID, int64(3))
	var ev domain.TimelineEvent
	require.NoError(t, json.Unmarshal(f.Data, &ev))
	events = append(events, ev)

	assert.Equal(t, 2, ev.TurnIndex, "fallback turn continues after replay")
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].CreatedAt.Before(events[i-1].CreatedAt))
		if events[i].CreatedAt.Equal(events[i-1].CreatedAt) {
			assert.GreaterOrEqual(t, events[i].TurnIndex, events[i-1].TurnIndex)
		}
	}
}

func TestStreamHeartbeatFrames(t *testing.T) {
	path := testutil.WriteAuditLog(t)
	rec := newFrameRecorder()
	start(t, newStreamer(path, testConfig()), rec, Options{RunID: "r"})

	first := rec.next(t)
	second := rec.next(t)
	assert.Equal(t, HeartbeatEvent, first.Event)
	assert.Equal(t, HeartbeatEvent, second.Event)
	assert.JSONEq(t, "{}", string(first.Data))
	assert.Equal(t, first.ID+1, second.ID)
}

func TestStreamCancellationStopsPromptly(t *testing.T) {
	path := testutil.WriteAuditLog(t)
	cfg := testConfig()
	cfg.HeartbeatFloor = time.Hour

	rec := newFrameRecorder()
	run := start(t, newStreamer(path, cfg), rec, Options{RunID: "r"})
	time.Sleep(30 * time.Millisecond)
	run.stop(t)

	testutil.AppendAuditLog(t, path, map[string]any{"run_id": "r", "final_text": "late"})
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.ch)
}

func TestStreamWithWatchWakesOnWrite(t *testing.T) {
	path := testutil.WriteAuditLog(t)
	cfg := testConfig()
	cfg.DefaultPoll = 500 * time.Millisecond
	cfg.HeartbeatFloor = 50 * time.Millisecond
	cfg.HeartbeatFactor = 1
	cfg.Watch = true

	rec := newFrameRecorder()
	start(t, newStreamer(path, cfg), rec, Options{RunID: "r"})
	require.Equal(t, HeartbeatEvent, rec.next(t).Event)

	testutil.AppendAuditLog(t, path, map[string]any{"run_id": "r", "final_text": "woken"})
	f := rec.nextEvent(t)
	assert.Equal(t, string(domain.EventLLMResponse), f.Event)
}

func TestPollIntervalBounds(t *testing.T) {
	s := NewStreamer(nil, Config{})

	got, err := s.PollInterval(0)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, got)

	_, err = s.PollInterval(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidPollInterval)
	_, err = s.PollInterval(6 * time.Second)
	assert.ErrorIs(t, err, ErrInvalidPollInterval)

	assert.Equal(t, time.Second, s.HeartbeatInterval(100*time.Millisecond))
	assert.Equal(t, 3*time.Second, s.HeartbeatInterval(500*time.Millisecond))
}

func TestStreamRequiresRunID(t *testing.T) {
	s := newStreamer(testutil.WriteAuditLog(t), testConfig())
	assert.Error(t, s.Stream(context.Background(), newFrameRecorder(), Options{}))
}

func TestSSEWriterFormat(t *testing.T) {
	rr := httptest.NewRecorder()
	w, err := NewSSEWriter(rr)
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame(context.Background(), Frame{ID: 7, Event: "llm_response", Data: json.RawMessage(`{"a":1}`)}))
	require.NoError(t, w.WriteFrame(context.Background(), Frame{ID: 8, Event: HeartbeatEvent, Data: json.RawMessage(`{}`)}))

	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "id: 7\nevent: llm_response\ndata: {\"a\":1}\n\nid: 8\nevent: heartbeat\ndata: {}\n\n", rr.Body.String())
	assert.True(t, rr.Flushed)
}
