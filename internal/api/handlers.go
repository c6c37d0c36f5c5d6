// Package api exposes the timeline over REST, server-sent events and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/audit-timeline/internal/console"
	"github.com/tjfontaine/audit-timeline/internal/domain"
	"github.com/tjfontaine/audit-timeline/internal/reveal"
	"github.com/tjfontaine/audit-timeline/internal/server"
	"github.com/tjfontaine/audit-timeline/internal/stream"
	"github.com/tjfontaine/audit-timeline/internal/timeline"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
	maxTimelineLimit = 500
)

// LongLivedPaths are routes that must not be bounded by the request timeout.
var LongLivedPaths = []string{"/stream", "/ws", "/console"}

// Console submits live queries.
type Console interface {
	Submit(ctx context.Context, sub console.Submission) (*console.Result, error)
	Options() console.Options
}

// RevealRecorder logs reveal requests.
type RevealRecorder interface {
	Record(req reveal.Request) (reveal.Entry, error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithConsole enables the /console routes.
func WithConsole(c Console) HandlerOption {
	return func(h *Handler) {
		h.console = c
	}
}

// WithReveals enables POST /reveal.
func WithReveals(r RevealRecorder) HandlerOption {
	return func(h *Handler) {
		h.reveals = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithOriginPatterns sets the origins allowed to open WebSocket streams.
// A "*" pattern disables the origin check.
func WithOriginPatterns(patterns []string) HandlerOption {
	return func(h *Handler) {
		h.originPatterns = patterns
	}
}

// Handler serves the timeline API.
type Handler struct {
	reader         *timeline.Reader
	streamer       *stream.Streamer
	console        Console
	reveals        RevealRecorder
	logger         *slog.Logger
	originPatterns []string
}

func NewHandler(reader *timeline.Reader, streamer *stream.Streamer, opts ...HandlerOption) *Handler {
	h := &Handler{
		reader:   reader,
		streamer: streamer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.handleHealth)
	r.Get("/runs", h.handleListRuns)
	r.Get("/runs/{run_id}/timeline", h.handleTimeline)
	r.Get("/stream", h.handleStream)
	r.Get("/ws", h.handleWebSocket)
	r.Post("/console", h.handleConsole)
	r.Get("/console/options", h.handleConsoleOptions)
	r.Post("/reveal", h.handleReveal)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit", defaultRunsLimit, 1, maxRunsLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset", 0, 0, math.MaxInt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	runs, err := h.reader.ListRuns(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	start := min(offset, len(runs))
	end := min(start+limit, len(runs))
	page := runs[start:end]
	if page == nil {
		page = []domain.RunMetadata{}
	}
	server.AddLogField(r.Context(), "runs_returned", strconv.Itoa(len(page)))
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	server.AddLogField(r.Context(), "run_id", runID)

	limit, err := intParam(r.URL.Query().Get("limit"), "limit", 0, 1, maxTimelineLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	events, _, err := h.reader.Collect(r.Context(), timeline.Position{}, runID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(events) == 0 {
		h.writeError(w, r, domain.ErrNotFound("No timeline events for run '"+runID+"'").
			WithCode(domain.ErrorCodeRunNotFound))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// streamOptions reads run_id, replay and poll_interval, validating the interval
// before any response bytes are written.
func (h *Handler) streamOptions(r *http.Request) (stream.Options, error) {
	q := r.URL.Query()
	opts := stream.Options{RunID: strings.TrimSpace(q.Get("run_id")), Replay: true}
	if opts.RunID == "" {
		return opts, stream.ErrRunIDRequired
	}

	if raw := q.Get("replay"); raw != "" {
		replay, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, invalidParam("replay", "replay must be a boolean, got '%s'.", raw)
		}
		opts.Replay = replay
	}

	if raw := q.Get("poll_interval"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
			return opts, invalidParam("poll_interval", "poll_interval must be a positive number of seconds, got '%s'.", raw)
		}
		opts.PollInterval = time.Duration(secs * float64(time.Second))
	}
	poll, err := h.streamer.PollInterval(opts.PollInterval)
	if err != nil {
		return opts, err
	}
	opts.PollInterval = poll
	return opts, nil
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	opts, err := h.streamOptions(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "run_id", opts.RunID)

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.streamer.Stream(r.Context(), sse, opts); err != nil {
		server.AddError(r.Context(), err)
	}
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts, err := h.streamOptions(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "run_id", opts.RunID)

	accept := &websocket.AcceptOptions{OriginPatterns: h.originPatterns}
	for _, p := range h.originPatterns {
		if p == "*" {
			accept.InsecureSkipVerify = true
		}
	}
	conn, err := websocket.Accept(w, r, accept)
	if err != nil {
		server.AddError(r.Context(), err)
		return
	}

	// Inbound messages are ignored; reading still notices client close frames.
	ctx := conn.CloseRead(r.Context())
	if err := h.streamer.Stream(ctx, stream.NewWSWriter(conn, 0), opts); err != nil {
		server.AddError(r.Context(), err)
		conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

type consoleResponse struct {
	Status string                 `json:"status"`
	Run    domain.RunMetadata     `json:"run"`
	Events []domain.TimelineEvent `json:"events"`
}

func (h *Handler) handleConsole(w http.ResponseWriter, r *http.Request) {
	if h.console == nil {
		h.writeError(w, r, console.ErrAgentUnavailable)
		return
	}

	var sub console.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("Request body must be a JSON object."))
		return
	}
	if sub.JudgeID == "" {
		sub.JudgeID = "none"
	}
	server.AddLogField(r.Context(), "scenario_id", sub.ScenarioID)
	server.AddLogField(r.Context(), "judge_id", sub.JudgeID)

	res, err := h.console.Submit(r.Context(), sub)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "run_id", res.Run.RunID)
	writeJSON(w, http.StatusCreated, consoleResponse{Status: "ok", Run: res.Run, Events: res.Events})
}

func (h *Handler) handleConsoleOptions(w http.ResponseWriter, r *http.Request) {
	if h.console == nil {
		h.writeError(w, r, console.ErrAgentUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.console.Options())
}

func (h *Handler) handleReveal(w http.ResponseWriter, r *http.Request) {
	if h.reveals == nil {
		h.writeError(w, r, domain.ErrUnavailable("Reveal logging is not configured."))
		return
	}

	var req reveal.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.ErrInvalidRequest("Request body must be a JSON object."))
		return
	}
	entry, err := h.reveals.Record(req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "run_id", entry.RunID)
	server.AddLogField(r.Context(), "reveal_field", entry.Field)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "logged"})
}

// intParam parses an optional integer query parameter within [lo, hi].
func intParam(raw, name string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		if hi == math.MaxInt {
			return 0, invalidParam(name, "%s must be an integer >= %d, got '%s'.", name, lo, raw)
		}
		return 0, invalidParam(name, "%s must be an integer between %d and %d, got '%s'.", name, lo, hi, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
