package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendLocal    = "local"
	BackendHTTP     = "http"
	BackendSupabase = "supabase"
)

// FileName is the config file looked up in the workspace.
const FileName = "decisiondesk.yml"

// Config models decisiondesk.yml.
type Config struct {
	Backend struct {
		Kind      string `yaml:"kind"`
		Workspace string `yaml:"workspace"`
		// URL and Token address a remote `dq serve`.
		URL    string `yaml:"url"`
		Token  string `yaml:"token"`
		APIKey string `yaml:"api_key"`
		// ActorID is who the local backend acts as.
		ActorID string `yaml:"actor_id"`
	} `yaml:"backend"`
	Supabase struct {
		URL         string `yaml:"url"`
		Key         string `yaml:"key"`
		AccessToken string `yaml:"access_token"`
	} `yaml:"supabase"`
	Breaker struct {
		MaxRequests uint32        `yaml:"max_requests"`
		Interval    time.Duration `yaml:"interval"`
		Timeout     time.Duration `yaml:"timeout"`

		// The breaker opens once MinRequests calls in an interval have failed
		// at FailureRatio or worse.
		MinRequests  uint32  `yaml:"min_requests"`
		FailureRatio float64 `yaml:"failure_ratio"`
	} `yaml:"breaker"`
	Undo struct {
		Window time.Duration `yaml:"window"`
	} `yaml:"undo"`
	Drafts struct {
		AutosaveAfter time.Duration `yaml:"autosave_after"`
		Dir           string        `yaml:"dir"`
	} `yaml:"drafts"`
	Server struct {
		Addr           string   `yaml:"addr"`
		JWTSecret      string   `yaml:"jwt_secret"`
		DevLogin       bool     `yaml:"dev_login"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Features struct {
		Offline bool `yaml:"offline"`
	} `yaml:"features"`
}

// ErrOfflineUnsupported is returned when features.offline is switched on.
var ErrOfflineUnsupported = errors.New("features.offline is not supported; every read and write needs the backend")

// Load reads and validates config from workspace. A missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = Default()
		cfg.Backend.Workspace = workspaceOrDot(workspace)
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Backend.Workspace == "" {
		cfg.Backend.Workspace = workspaceOrDot(workspace)
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Features.Offline {
		return ErrOfflineUnsupported
	}
	switch c.Backend.Kind {
	case BackendLocal:
		if c.Backend.ActorID == "" {
			return fmt.Errorf("config.backend.actor_id is required for the local backend")
		}
	case BackendHTTP:
		if c.Backend.URL == "" {
			return fmt.Errorf("config.backend.url is required for the http backend")
		}
		if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
			return fmt.Errorf("config.backend.url must be an http or https URL")
		}
	case BackendSupabase:
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return fmt.Errorf("config.supabase.url and config.supabase.key are required for the supabase backend")
		}
	default:
		return fmt.Errorf("config.backend.kind must be one of local, http, supabase")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("config.breaker.failure_ratio must be in (0, 1]")
	}
	if c.Undo.Window <= 0 {
		return fmt.Errorf("config.undo.window must be positive")
	}
	if c.Drafts.AutosaveAfter < 0 {
		return fmt.Errorf("config.drafts.autosave_after must not be negative")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspaceOrDot(workspace), FileName)
}

func workspaceOrDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `backend:
  kind: local
  actor_id: local-user

breaker:
  max_requests: 3
  interval: 60s
  timeout: 30s
  min_requests: 5
  failure_ratio: 0.6

undo:
  window: 5s

drafts:
  autosave_after: 2s
  dir: .decisiondesk/drafts

server:
  addr: 127.0.0.1:8080
  dev_login: false
  allowed_origins: ["http://localhost:5173"]

log:
  level: info
  format: console

features:
  offline: false
`
