package judge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/llm"
)

// Mode selects which external judges review a live exchange.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeOllama Mode = "ollama"
	ModeGemini Mode = "gemini"
	ModeBoth   Mode = "both"
)

// ParseMode normalizes a requested judge mode. Empty means none.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeNone, true
	case ModeNone, ModeOllama, ModeGemini, ModeBoth:
		return m, true
	default:
		return ModeNone, false
	}
}

// Config holds judge connection settings.
type Config struct {
	// Mode is the LLM judge protocol: ollama, ollama_chat or openai.
	Mode       string
	Endpoint   string
	Model      string
	ID         string
	AuthToken  string
	DigestPath string
	Gemini     GeminiConfig
}

// GeminiConfig holds Gemini judge settings.
type GeminiConfig struct {
	APIKey  string
	Model   string
	RPM     int
	BaseURL string
}

// Option describes one selectable judge mode for clients.
type Option struct {
	ID        Mode   `json:"id"`
	Label     string `json:"label"`
	Available bool   `json:"available"`
}

// Manager builds and runs the judges for each mode.
type Manager struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	digest     string

	llmJudge    ports.Judge
	geminiJudge ports.Judge
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHTTPClient sets the HTTP client used by every judge.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithJudges replaces the configured judges, for callers that supply their own.
func WithJudges(llmJudge, geminiJudge ports.Judge) ManagerOption {
	return func(m *Manager) {
		m.llmJudge = llmJudge
		m.geminiJudge = geminiJudge
	}
}

// NewManager builds the judges cfg describes. Judges lacking configuration are left
// unavailable rather than failing construction.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.DigestPath != "" {
		if data, err := os.ReadFile(cfg.DigestPath); err == nil {
			m.digest = string(data)
		} else if !os.IsNotExist(err) {
			m.logger.Warn("failed to read regulatory digest", slog.String("path", cfg.DigestPath), slog.String("error", err.Error()))
		}
	}

	if m.llmJudge == nil && cfg.Model != "" {
		m.llmJudge = m.buildLLMJudge()
	}
	if m.geminiJudge == nil {
		if g, err := m.buildGeminiJudge(); err == nil {
			m.geminiJudge = g
		} else {
			m.logger.Debug("gemini judge disabled", slog.String("reason", err.Error()))
		}
	}
	return m
}

func (m *Manager) buildLLMJudge() *LLMJudge {
	mode, ok := llm.ParseMode(m.cfg.Mode)
	if !ok && m.cfg.Mode != "" {
		m.logger.Warn("unknown judge mode, defaulting to ollama", slog.String("mode", m.cfg.Mode))
	}
	var opts []llm.ClientOption
	if m.cfg.AuthToken != "" {
		opts = append(opts, llm.WithAuthToken(m.cfg.AuthToken))
	}
	if m.httpClient != nil {
		opts = append(opts, llm.WithHTTPClient(m.httpClient))
	}
	client := llm.NewClient(mode, m.cfg.Endpoint, opts...)
	m.logger.Info("judge configured",
		slog.String("mode", string(mode)),
		slog.String("model", m.cfg.Model),
		slog.Bool("auth", m.cfg.AuthToken != ""))
	return NewLLMJudge(client, m.cfg.Model, m.cfg.ID, m.logger)
}

func (m *Manager) buildGeminiJudge() (*GeminiJudge, error) {
	opts := []GeminiOption{WithGeminiLogger(m.logger)}
	if m.cfg.Gemini.RPM > 0 {
		opts = append(opts, WithGeminiRPM(m.cfg.Gemini.RPM))
	}
	if m.cfg.Gemini.BaseURL != "" {
		opts = append(opts, WithGeminiBaseURL(m.cfg.Gemini.BaseURL))
	}
	if m.httpClient != nil {
		opts = append(opts, WithGeminiHTTPClient(m.httpClient))
	}
	return NewGeminiJudge(m.cfg.Gemini.APIKey, m.cfg.Gemini.Model, opts...)
}

// Options lists every mode with its availability.
func (m *Manager) Options() []Option {
	ollamaLabel := "Ollama"
	if m.cfg.Model != "" {
		ollamaLabel = "Ollama · " + m.cfg.Model
	}
	geminiLabel := m.cfg.Gemini.Model
	if geminiLabel == "" {
		geminiLabel = "Gemini 2.0 Flash"
	}
	return []Option{
		{ID: ModeNone, Label: "No external judge", Available: true},
		{ID: ModeOllama, Label: ollamaLabel, Available: m.llmJudge != nil},
		{ID: ModeGemini, Label: geminiLabel, Available: m.geminiJudge != nil},
		{ID: ModeBoth, Label: "Dual review (Ollama & Gemini)", Available: m.llmJudge != nil && m.geminiJudge != nil},
	}
}

// Judges returns the available judges for mode. Unavailable judges are omitted.
func (m *Manager) Judges(mode Mode) []ports.Judge {
	var judges []ports.Judge
	if (mode == ModeOllama || mode == ModeBoth) && m.llmJudge != nil {
		judges = append(judges, m.llmJudge)
	}
	if (mode == ModeGemini || mode == ModeBoth) && m.geminiJudge != nil {
		judges = append(judges, m.geminiJudge)
	}
	return judges
}

// Evaluate runs the judges for mode concurrently and returns their results in
// judge order. Judges that abstain are dropped; an error is returned only if the
// context ends.
func (m *Manager) Evaluate(ctx context.Context, mode Mode, req ports.JudgeRequest) ([]ports.JudgeResult, error) {
	judges := m.Judges(mode)
	if len(judges) == 0 {
		return nil, nil
	}
	if req.Digest == "" {
		req.Digest = m.digest
	}

	ctx, span := otel.Tracer("judge").Start(ctx, "judge.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("judge.mode", string(mode)), attribute.Int("judge.count", len(judges)))

	results := make([]*ports.JudgeResult, len(judges))
	g, gctx := errgroup.WithContext(ctx)
	for i, j := range judges {
		g.Go(func() error {
			res, err := j.Evaluate(gctx, req)
			if err != nil {
				if gctx.Err() != nil {
					return err
				}
				m.logger.Warn("judge failed", slog.String("judge_id", j.ID()), slog.String("error", err.Error()))
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("judges interrupted: %w", err)
	}

	out := make([]ports.JudgeResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}
