// Package config loads meditator configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/steveyegge/meditator/internal/logging"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "meditator.yaml"

// Providers.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
	ProviderOffline    = "offline"
)

// Config is the complete meditator configuration.
type Config struct {
	// StateDir is the root of the chained state store.
	StateDir string `yaml:"state_dir"`
	// Prompt starts generation when the system runs.
	Prompt string `yaml:"prompt"`

	Logging    logging.Config   `yaml:"logging"`
	Model      ModelConfig      `yaml:"model"`
	Generation GenerationConfig `yaml:"generation"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	History    HistoryConfig    `yaml:"history"`
	Timers     []TimerConfig    `yaml:"timers"`
	Monitors   []MonitorConfig  `yaml:"monitors"`
	Tools      ToolsConfig      `yaml:"tools"`
	Server     ServerConfig     `yaml:"server"`
	Control    ControlConfig    `yaml:"control"`
	Events     EventsConfig     `yaml:"events"`
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	// Provider is "anthropic", "openrouter" or "offline".
	Provider string `yaml:"provider"`
	// Model streams thought; empty uses the provider default.
	Model string `yaml:"model"`
	// SimpleModel answers pipeline and monitor judgements.
	SimpleModel string `yaml:"simple_model"`
	MaxTokens   int64  `yaml:"max_tokens"`
	// Script is the text the offline provider streams.
	Script     string   `yaml:"script"`
	ChunkSize  int      `yaml:"chunk_size"`
	ChunkDelay Duration `yaml:"chunk_delay"`
}

// GenerationConfig configures the generation controller.
type GenerationConfig struct {
	RecentChars       int `yaml:"recent_chars"`
	FullStateInterval int `yaml:"full_state_interval"`
}

// PipelineConfig configures the interrupt pipeline.
type PipelineConfig struct {
	// RateLimit is the minimum spacing of accepted interrupts. Negative
	// disables limiting.
	RateLimit       Duration `yaml:"rate_limit"`
	PrivilegedTypes []string `yaml:"privileged_types"`
	Resumable       bool     `yaml:"resumable"`
	// StageTimeout bounds each model call; zero disables it.
	StageTimeout      Duration `yaml:"stage_timeout"`
	HistoryCap        int      `yaml:"history_cap"`
	FullStateInterval int      `yaml:"full_state_interval"`
}

// HistoryConfig configures the compressed generation history.
type HistoryConfig struct {
	Enabled    bool `yaml:"enabled"`
	BlockCount int  `yaml:"block_count"`
	MaxLength  int  `yaml:"max_length"`
	Ratio      int  `yaml:"ratio"`
}

// TimerConfig configures one timer trigger.
type TimerConfig struct {
	Name     string   `yaml:"name"`
	Timeout  Duration `yaml:"timeout"`
	Sigma    Duration `yaml:"sigma"`
	Reason   string   `yaml:"reason"`
	Schedule string   `yaml:"schedule"`
}

// MonitorConfig configures one token monitor.
type MonitorConfig struct {
	Name string `yaml:"name"`
	// ModelCheck asks the model for a judgement every CheckEvery chunks.
	ModelCheck   bool     `yaml:"model_check"`
	CheckEvery   int      `yaml:"check_every"`
	BufferSize   int      `yaml:"buffer_size"`
	SaveInterval Duration `yaml:"save_interval"`
	Cooldown     Duration `yaml:"cooldown"`
}

// ToolsConfig configures tool-call detection.
type ToolsConfig struct {
	Enabled bool `yaml:"enabled"`
	Window  int  `yaml:"window"`
}

// ServerConfig configures the HTTP and websocket server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ControlConfig configures the control socket.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Socket  string `yaml:"socket"`
}

// EventsConfig configures the audit log.
type EventsConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	Path      string               `yaml:"path"`
	Retention EventRetentionConfig `yaml:"retention"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		StateDir: "interrupt-state",
		Prompt:   "Let your thoughts wander freely. Think out loud about whatever comes to mind.",
		Logging:  logging.Config{Level: "info", Format: "console"},
		Model: ModelConfig{
			Provider:   ProviderAnthropic,
			ChunkSize:  15,
			ChunkDelay: Duration(50 * time.Millisecond),
		},
		Generation: GenerationConfig{RecentChars: 1000, FullStateInterval: 10},
		Pipeline: PipelineConfig{
			RateLimit:         Duration(time.Second),
			PrivilegedTypes:   []string{"UserCommand", "Urgent"},
			Resumable:         true,
			HistoryCap:        50,
			FullStateInterval: 10,
		},
		History: HistoryConfig{Enabled: true, BlockCount: 10, MaxLength: 1000, Ratio: 10},
		Timers: []TimerConfig{
			{Name: "reflection", Timeout: Duration(120 * time.Second)},
		},
		Monitors: []MonitorConfig{
			{Name: "default", CheckEvery: 20, BufferSize: 500, SaveInterval: Duration(3 * time.Second), Cooldown: Duration(3 * time.Second)},
		},
		Tools:   ToolsConfig{Enabled: true, Window: 1000},
		Server:  ServerConfig{Enabled: true, Addr: ":7627"},
		Control: ControlConfig{Enabled: true},
		Events: EventsConfig{
			Enabled:   true,
			Retention: DefaultEventRetentionConfig(),
		},
	}
}

// Load reads path over the defaults, applies environment overrides, and
// validates the result. A missing file is only an error when required.
func Load(path string, required bool) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MEDITATOR_* environment variables.
//
// Environment variables:
//   - MEDITATOR_STATE_DIR: state store root
//   - MEDITATOR_PROMPT: initial prompt
//   - MEDITATOR_PROVIDER: anthropic, openrouter or offline
//   - MEDITATOR_MODEL, MEDITATOR_MODEL_SIMPLE: model names
//   - MEDITATOR_DEBUG: debug scope ("all" or comma-separated component names)
//   - MEDITATOR_LOG_FORMAT: json or console
//   - MEDITATOR_RATE_LIMIT: pipeline rate limit as a time expression
//   - MEDITATOR_ADDR: HTTP listen address
//   - MEDITATOR_SOCKET: control socket path
//   - MEDITATOR_EVENTS_DB: audit log database path
//   - MEDITATOR_EVENT_*: audit log retention, see EventRetentionConfigFromEnv
func (c *Config) ApplyEnv() error {
	parseEnvString("MEDITATOR_STATE_DIR", &c.StateDir)
	parseEnvString("MEDITATOR_PROMPT", &c.Prompt)
	parseEnvString("MEDITATOR_PROVIDER", &c.Model.Provider)
	parseEnvString("MEDITATOR_MODEL", &c.Model.Model)
	parseEnvString("MEDITATOR_MODEL_SIMPLE", &c.Model.SimpleModel)
	parseEnvString("MEDITATOR_DEBUG", &c.Logging.Debug)
	parseEnvString("MEDITATOR_LOG_FORMAT", &c.Logging.Format)
	parseEnvString("MEDITATOR_ADDR", &c.Server.Addr)
	parseEnvString("MEDITATOR_SOCKET", &c.Control.Socket)
	parseEnvString("MEDITATOR_EVENTS_DB", &c.Events.Path)
	if err := parseEnvDuration("MEDITATOR_RATE_LIMIT", &c.Pipeline.RateLimit); err != nil {
		return err
	}
	return c.Events.Retention.applyEnv()
}

// Validate checks the configuration for values no component accepts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir is required")
	}
	switch c.Model.Provider {
	case ProviderAnthropic, ProviderOpenRouter, ProviderOffline:
	default:
		return fmt.Errorf("model.provider must be %q, %q or %q (got %q)",
			ProviderAnthropic, ProviderOpenRouter, ProviderOffline, c.Model.Provider)
	}
	if c.Pipeline.HistoryCap < 0 {
		return fmt.Errorf("pipeline.history_cap cannot be negative (got %d)", c.Pipeline.HistoryCap)
	}
	if c.Pipeline.StageTimeout < 0 {
		return fmt.Errorf("pipeline.stage_timeout cannot be negative")
	}
	if c.History.Enabled && c.History.Ratio > 0 && c.History.MaxLength > 0 && c.History.MaxLength < c.History.Ratio {
		return fmt.Errorf("history.max_length (%d) must be at least history.ratio (%d)", c.History.MaxLength, c.History.Ratio)
	}

	seen := make(map[string]bool)
	for i, t := range c.Timers {
		if t.Name == "" {
			return fmt.Errorf("timers[%d]: name is required", i)
		}
		if seen["timer:"+t.Name] {
			return fmt.Errorf("duplicate timer %q", t.Name)
		}
		seen["timer:"+t.Name] = true
		if t.Timeout < 0 || t.Sigma < 0 {
			return fmt.Errorf("timer %s: timeout and sigma cannot be negative", t.Name)
		}
	}
	for i, m := range c.Monitors {
		if m.Name == "" || strings.ContainsAny(m.Name, `/\`) {
			return fmt.Errorf("monitors[%d]: invalid name %q", i, m.Name)
		}
		if seen["monitor:"+m.Name] {
			return fmt.Errorf("duplicate monitor %q", m.Name)
		}
		seen["monitor:"+m.Name] = true
	}

	if c.Events.Enabled {
		if err := c.Events.Retention.Validate(); err != nil {
			return fmt.Errorf("events.retention: %w", err)
		}
	}
	return nil
}

// SocketPath returns the control socket path, defaulting into StateDir.
func (c *Config) SocketPath() string {
	if c.Control.Socket != "" {
		return c.Control.Socket
	}
	return filepath.Join(c.StateDir, "meditator.sock")
}

// EventsPath returns the audit database path, defaulting into StateDir.
func (c *Config) EventsPath() string {
	if c.Events.Path != "" {
		return c.Events.Path
	}
	return filepath.Join(c.StateDir, "events.db")
}
