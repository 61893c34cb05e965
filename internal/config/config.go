// Package config loads and validates the kernel's YAML configuration.
// Environment variables in the file are expanded before parsing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/kernel"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/providers/openai"
	"github.com/loomhq/loom/internal/session"
)

// ServerConfig configures the HTTP surface (metrics, health).
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is one of "file", "sqlite", "postgres".
	Backend string `yaml:"backend"`

	// Dir is the root directory for the file backend.
	Dir string `yaml:"dir"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`

	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`
}

// AgentConfig declares one agent profile.
type AgentConfig struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	SystemPrompt    string         `yaml:"system_prompt"`
	Model           string         `yaml:"model"`
	MaxLoops        int            `yaml:"max_loops"`
	MaxToolsPerTask int            `yaml:"max_tools_per_task"`
	MaxOutputTokens int            `yaml:"max_output_tokens"`
	Session         session.Config `yaml:"session"`
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	// CleanupSchedule is a cron expression for spill-file cleanup.
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// GaugeInterval is how often mailbox depth gauges refresh.
	GaugeInterval time.Duration `yaml:"gauge_interval"`
}

// Config is the root configuration document.
type Config struct {
	Server      ServerConfig            `yaml:"server"`
	Logging     observability.LogConfig `yaml:"logging"`
	Kernel      kernel.Config           `yaml:"kernel"`
	Store       StoreConfig             `yaml:"store"`
	OpenAI      openai.Config           `yaml:"openai"`
	Registry    agent.RegistryConfig    `yaml:"registry"`
	Maintenance MaintenanceConfig       `yaml:"maintenance"`
	Agents      []AgentConfig           `yaml:"agents"`
}

// Load reads, expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "./data/store"
	}
	if cfg.Registry.ToolTimeout == 0 && cfg.Registry.Truncation == nil {
		cfg.Registry = agent.DefaultRegistryConfig()
	}
	if cfg.Maintenance.CleanupSchedule == "" {
		cfg.Maintenance.CleanupSchedule = "0 3 * * *"
	}
	if cfg.Maintenance.GaugeInterval <= 0 {
		cfg.Maintenance.GaugeInterval = time.Minute
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.MaxLoops <= 0 {
			a.MaxLoops = agent.DefaultMaxLoops
		}
		if a.MaxOutputTokens <= 0 {
			a.MaxOutputTokens = 8192
		}
		if a.Session.MaxTokens == 0 {
			a.Session = session.DefaultConfig()
		}
	}
}

// Validate rejects configurations the kernel cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("store backend %q is not one of file, sqlite, postgres", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("postgres backend requires a dsn")
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("sqlite backend requires a path")
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	if c.Kernel.ControllerID != "" && !seen[c.Kernel.ControllerID] {
		return fmt.Errorf("controller %q is not a configured agent", c.Kernel.ControllerID)
	}
	return nil
}
