package runtime

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/audit-timeline/internal/console"
	"github.com/tjfontaine/audit-timeline/internal/core/ports"
	"github.com/tjfontaine/audit-timeline/internal/pkg/config"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithConfig supplies the loaded configuration. Required.
func WithConfig(cfg *config.Config) Option {
	return func(a *App) error {
		if cfg == nil {
			return errors.New("config must not be nil")
		}
		a.cfg = cfg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithRunStore sets the run metadata cache. Defaults to the in-memory store.
func WithRunStore(store ports.RunMetadataStore) Option {
	return func(a *App) error {
		a.store = store
		return nil
	}
}

// WithAgent replaces the agent built from config.
func WithAgent(agent ports.Agent) Option {
	return func(a *App) error {
		a.agent = agent
		return nil
	}
}

// WithJudges replaces the judge manager built from config.
func WithJudges(judges console.Judges) Option {
	return func(a *App) error {
		a.judges = judges
		return nil
	}
}

// WithHTTPClient sets the client used for outbound model and judge calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) error {
		a.httpClient = c
		return nil
	}
}
