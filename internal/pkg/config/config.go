package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/audit-timeline/internal/agent"
	"github.com/tjfontaine/audit-timeline/internal/llm"
)

// DefaultPath is read when no config file is named. It may be absent.
const DefaultPath = "config.yaml"

// EnvPrefix marks environment overrides. Double underscores separate key levels,
// so TIMELINE_SERVER__PORT sets server.port.
const EnvPrefix = "TIMELINE_"

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Audit     AuditConfig      `koanf:"audit"`
	Stream    StreamConfig     `koanf:"stream"`
	Agent     AgentConfig      `koanf:"agent"`
	Scenarios []agent.Scenario `koanf:"scenarios"`
	Judge     JudgeConfig      `koanf:"judge"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	CORSOrigins []string `koanf:"cors_origins"`
	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type AuditConfig struct {
	LogPath       string `koanf:"log_path"`
	RevealLogPath string `koanf:"reveal_log_path"`
}

type StreamConfig struct {
	DefaultPoll time.Duration `koanf:"default_poll"`
	MinPoll     time.Duration `koanf:"min_poll"`
	MaxPoll     time.Duration `koanf:"max_poll"`
	Watch       bool          `koanf:"watch"` // wake tailing streams on fsnotify write events
}

type AgentConfig struct {
	Mode        string `koanf:"mode"` // local, http
	BaseURL     string `koanf:"base_url"`
	LLMEndpoint string `koanf:"llm_endpoint"`
	LLMMode     string `koanf:"llm_mode"` // ollama, ollama_chat, openai
	LLMToken    string `koanf:"llm_token"`
}

type JudgeConfig struct {
	Mode       string       `koanf:"mode"` // ollama, ollama_chat, openai
	Endpoint   string       `koanf:"endpoint"`
	Model      string       `koanf:"model"`
	ID         string       `koanf:"id"`
	AuthToken  string       `koanf:"auth_token"`
	DigestPath string       `koanf:"digest_path"`
	Gemini     GeminiConfig `koanf:"gemini"`
}

type GeminiConfig struct {
	APIKey  string `koanf:"api_key"`
	Model   string `koanf:"model"`
	RPM     int    `koanf:"rpm"`
	BaseURL string `koanf:"base_url"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var defaults = map[string]any{
	"server.host":            "0.0.0.0",
	"server.port":            8000,
	"server.cors_origins":    []string{"*"},
	"server.request_timeout": "30s",
	"audit.log_path":         "project_bundle/cam_suite_audit.jsonl",
	"audit.reveal_log_path":  "project_bundle/cam_ui_reveals.jsonl",
	"stream.default_poll":    "500ms",
	"stream.min_poll":        "100ms",
	"stream.max_poll":        "5s",
	"stream.watch":           false,
	"agent.mode":             "local",
	"agent.llm_mode":         "ollama",
	"judge.mode":             "ollama",
	"judge.gemini.model":     "models/gemini-2.0-flash",
	"judge.gemini.rpm":       10,
	"telemetry.enabled":      false,
}

// legacyEnv maps keys to the environment names earlier deployments used. The
// first set variable seeds the key when neither the file nor TIMELINE_ set it.
var legacyEnv = []struct {
	key   string
	names []string
}{
	{"audit.log_path", []string{"CAM_UI_AUDIT_LOG"}},
	{"audit.reveal_log_path", []string{"CAM_UI_REVEAL_LOG"}},
	{"server.cors_origins", []string{"CAM_UI_CORS_ORIGINS"}},
	{"server.host", []string{"CAM_UI_API_HOST"}},
	{"server.port", []string{"CAM_UI_API_PORT"}},
	{"judge.mode", []string{"JUDGE_MODE"}},
	{"judge.endpoint", []string{"JUDGE_BASE_URL", "OLLAMA_JUDGE_ENDPOINT"}},
	{"judge.model", []string{"JUDGE_MODEL"}},
	{"judge.id", []string{"JUDGE_ID"}},
	{"judge.auth_token", []string{"JUDGE_API_KEY", "JUDGE_BEARER"}},
	{"judge.gemini.api_key", []string{"GEMINI_API_KEY"}},
	{"judge.gemini.model", []string{"GEMINI_MODEL"}},
	{"judge.gemini.rpm", []string{"GEMINI_RPM"}},
}

// listKeys hold comma-separated values when set from the environment.
var listKeys = map[string]bool{"server.cors_origins": true}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (or DefaultPath when empty), then TIMELINE_ environment
// overrides, then legacy environment names and defaults. A missing file is an
// error only when path was given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	for _, legacy := range legacyEnv {
		if k.Exists(legacy.key) {
			continue
		}
		for _, name := range legacy.names {
			value, ok := os.LookupEnv(name)
			if !ok || value == "" {
				continue
			}
			if listKeys[legacy.key] {
				k.Set(legacy.key, splitList(value))
			} else {
				k.Set(legacy.key, value)
			}
			break
		}
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if len(cfg.Scenarios) == 0 {
		cfg.Scenarios = agent.DefaultScenarios()
	}

	cfg.Agent.LLMToken = substituteEnvVars(cfg.Agent.LLMToken)
	cfg.Judge.AuthToken = substituteEnvVars(cfg.Judge.AuthToken)
	cfg.Judge.Gemini.APIKey = substituteEnvVars(cfg.Judge.Gemini.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Audit.LogPath == "" {
		errs = append(errs, errors.New("audit.log_path is required"))
	}
	s := c.Stream
	if s.MinPoll <= 0 || s.MinPoll > s.MaxPoll {
		errs = append(errs, fmt.Errorf("stream poll bounds [%s, %s] invalid", s.MinPoll, s.MaxPoll))
	} else if s.DefaultPoll < s.MinPoll || s.DefaultPoll > s.MaxPoll {
		errs = append(errs, fmt.Errorf("stream.default_poll %s not within [%s, %s]", s.DefaultPoll, s.MinPoll, s.MaxPoll))
	}
	switch c.Agent.Mode {
	case "local":
		if _, ok := llm.ParseMode(c.Agent.LLMMode); !ok {
			errs = append(errs, fmt.Errorf("agent.llm_mode %q is not one of ollama, ollama_chat, openai", c.Agent.LLMMode))
		}
	case "http":
		if c.Agent.BaseURL == "" {
			errs = append(errs, errors.New("agent.base_url is required when agent.mode is http"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.mode %q is not one of local, http", c.Agent.Mode))
	}
	seen := make(map[string]bool, len(c.Scenarios))
	for _, sc := range c.Scenarios {
		if sc.ID == "" || sc.Model == "" {
			errs = append(errs, fmt.Errorf("scenario %q needs an id and a model", sc.ID))
		}
		if seen[sc.ID] {
			errs = append(errs, fmt.Errorf("scenario %q defined twice", sc.ID))
		}
		seen[sc.ID] = true
	}
	return errors.Join(errs...)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
