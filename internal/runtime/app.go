// Package runtime wires the timeline engine's components and manages the
// HTTP server lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/tjfontaine/audit-timeline/internal/agent"
	"github.com/tjfontaine/audit-timeline/internal/api"
	"github.com/tjfontaine/audit-timeline/internal/auditlog"
	"github.com/tjfontaine/audit-timeline/internal/console"
	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/judge"
	"github.com/tjfontaine/audit-timeline/internal/llm"
	"github.com/tjfontaine/audit-timeline/internal/pkg/config"
	"github.com/tjfontaine/audit-timeline/internal/reveal"
	"github.com/tjfontaine/audit-timeline/internal/server"
	"github.com/tjfontaine/audit-timeline/internal/storage/memory"
	"github.com/tjfontaine/audit-timeline/internal/stream"
	"github.com/tjfontaine/audit-timeline/internal/timeline"
	"github.com/tjfontaine/audit-timeline/internal/tokens"
)

// ServiceName identifies the process in traces and logs.
const ServiceName = "audit-timeline"

// ErrAuditLogMissing is returned when the configured audit log does not exist.
var ErrAuditLogMissing = errors.New("audit log not found")

// App owns every long-lived component of a serving process.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      ports.RunMetadataStore
	agent      ports.Agent
	judges     console.Judges
	httpClient *http.Client

	reader   *timeline.Reader
	streamer *stream.Streamer
	reveals  *reveal.Logger
	appender *auditlog.Appender
	server   *server.Server

	mu     sync.Mutex
	addr   net.Addr
	served chan error
}

// New builds an App. It fails when the audit log is missing: serving an empty
// timeline would hide a misconfigured path.
func New(opts ...Option) (*App, error) {
	a := &App{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if a.cfg == nil {
		return nil, errors.New("config required (use WithConfig)")
	}
	if a.store == nil {
		a.store = memory.New()
	}

	reader, err := OpenReader(a.cfg, a.store, a.logger)
	if err != nil {
		return nil, err
	}
	a.reader = reader
	a.streamer = NewStreamer(a.cfg, reader, a.logger)

	if a.judges == nil {
		a.judges = a.buildJudges()
	}
	if a.agent == nil {
		if err := a.buildAgent(); err != nil {
			return nil, err
		}
	}

	revealLog, err := auditlog.NewAppender(a.cfg.Audit.RevealLogPath)
	if err != nil {
		a.closeLogs()
		return nil, fmt.Errorf("open reveal log: %w", err)
	}
	a.reveals = reveal.NewLogger(revealLog)

	gw := console.New(reader, a.agent, a.judges, a.cfg.Scenarios, console.WithLogger(a.logger))
	handler := api.NewHandler(reader, a.streamer,
		api.WithConsole(gw),
		api.WithReveals(a.reveals),
		api.WithLogger(a.logger),
		api.WithOriginPatterns(a.cfg.Server.CORSOrigins),
	)

	a.server = server.New(server.Config{
		Host:           a.cfg.Server.Host,
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		StreamPaths:    api.LongLivedPaths,
		ServiceName:    ServiceName,
	}, a.logger)
	handler.Routes(a.server.Router)

	return a, nil
}

// OpenReader checks the audit log exists and returns a reader over it.
func OpenReader(cfg *config.Config, store ports.RunMetadataStore, logger *slog.Logger) (*timeline.Reader, error) {
	info, err := os.Stat(cfg.Audit.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAuditLogMissing, cfg.Audit.LogPath)
		}
		return nil, fmt.Errorf("stat audit log: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("audit log %s is a directory", cfg.Audit.LogPath)
	}
	return timeline.NewReader(cfg.Audit.LogPath, store, timeline.WithLogger(logger)), nil
}

// NewStreamer builds a streamer with the configured poll bounds.
func NewStreamer(cfg *config.Config, reader *timeline.Reader, logger *slog.Logger) *stream.Streamer {
	return stream.NewStreamer(reader, stream.Config{
		DefaultPoll: cfg.Stream.DefaultPoll,
		MinPoll:     cfg.Stream.MinPoll,
		MaxPoll:     cfg.Stream.MaxPoll,
		Watch:       cfg.Stream.Watch,
		Logger:      logger,
	})
}

func (a *App) buildJudges() *judge.Manager {
	jc := a.cfg.Judge
	opts := []judge.ManagerOption{judge.WithLogger(a.logger)}
	if a.httpClient != nil {
		opts = append(opts, judge.WithHTTPClient(a.httpClient))
	}
	return judge.NewManager(judge.Config{
		Mode:       jc.Mode,
		Endpoint:   jc.Endpoint,
		Model:      jc.Model,
		ID:         jc.ID,
		AuthToken:  jc.AuthToken,
		DigestPath: jc.DigestPath,
		Gemini: judge.GeminiConfig{
			APIKey:  jc.Gemini.APIKey,
			Model:   jc.Gemini.Model,
			RPM:     jc.Gemini.RPM,
			BaseURL: jc.Gemini.BaseURL,
		},
	}, opts...)
}

func (a *App) buildAgent() error {
	ac := a.cfg.Agent
	switch ac.Mode {
	case "http":
		var opts []agent.HTTPOption
		if a.httpClient != nil {
			opts = append(opts, agent.WithHTTPClient(a.httpClient))
		}
		a.agent = agent.NewHTTPAgent(ac.BaseURL, opts...)
		a.logger.Info("using remote agent", slog.String("base_url", ac.BaseURL))
		return nil
	case "local", "":
		mode, ok := llm.ParseMode(ac.LLMMode)
		if !ok && ac.LLMMode != "" {
			return fmt.Errorf("unknown agent llm mode %q", ac.LLMMode)
		}
		var clientOpts []llm.ClientOption
		if ac.LLMToken != "" {
			clientOpts = append(clientOpts, llm.WithAuthToken(ac.LLMToken))
		}
		if a.httpClient != nil {
			clientOpts = append(clientOpts, llm.WithHTTPClient(a.httpClient))
		}
		appender, err := auditlog.NewAppender(a.cfg.Audit.LogPath)
		if err != nil {
			return fmt.Errorf("open audit log for appending: %w", err)
		}
		a.appender = appender
		a.agent = agent.NewLocalAgent(llm.NewClient(mode, ac.LLMEndpoint, clientOpts...), appender, a.cfg.Scenarios,
			agent.WithTokenCounter(tokens.NewCounter()),
			agent.WithLogger(a.logger),
		)
		a.logger.Info("using local agent", slog.String("llm_mode", string(mode)))
		return nil
	default:
		return fmt.Errorf("unknown agent mode %q", ac.Mode)
	}
}

// Reader returns the timeline reader.
func (a *App) Reader() *timeline.Reader {
	return a.reader
}

// Handler returns the HTTP handler with every route mounted.
func (a *App) Handler() http.Handler {
	return a.server.Router
}

// Addr is the bound listen address once Start has returned, else nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Start binds the listener and serves in the background.
func (a *App) Start(ctx context.Context) error {
	ln, err := a.server.Listen()
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	a.mu.Lock()
	a.addr = ln.Addr()
	a.served = make(chan error, 1)
	served := a.served
	a.mu.Unlock()

	go func() {
		err := a.server.Serve(ln)
		if err != nil {
			a.logger.Error("server error", slog.String("error", err.Error()))
		}
		served <- err
	}()

	a.logger.InfoContext(ctx, "timeline server started",
		slog.String("addr", ln.Addr().String()),
		slog.String("audit_log", a.cfg.Audit.LogPath),
		slog.Int("scenarios", len(a.cfg.Scenarios)))
	return nil
}

// Done reports the result of serving once the server stops.
func (a *App) Done() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.served
}

// Shutdown stops the server, ending open streams, and closes the logs.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down timeline server")

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	errs = append(errs, a.closeLogs())

	a.logger.Info("timeline server shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeLogs() error {
	var errs []error
	if a.reveals != nil {
		if err := a.reveals.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reveal log: %w", err))
		}
	}
	if a.appender != nil {
		if err := a.appender.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit appender: %w", err))
		}
	}
	return errors.Join(errs...)
}
