// Package config loads the orchestrator configuration from YAML with
// environment variable expansion, defaults merging and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/coderelay/relay/pkg/tools"
)

// Config is the complete relay.yaml structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Engine     EngineConfig     `yaml:"engine"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Tools      ToolsConfig      `yaml:"tools"`
	Risk       RiskConfig       `yaml:"risk"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LLMConfig holds provider settings.
type LLMConfig struct {
	Endpoint       string            `yaml:"endpoint"`
	APIKey         string            `yaml:"api_key"`
	DefaultModel   string            `yaml:"default_model"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	PerAgentModels map[string]string `yaml:"per_agent_models"`
}

// TrackerConfig holds external issue tracker settings.
type TrackerConfig struct {
	BaseURL             string   `yaml:"base_url"`
	Token               string   `yaml:"token"`
	Project             string   `yaml:"project"`
	WebhookSecret       string   `yaml:"webhook_secret"`
	TimeoutSeconds      int      `yaml:"timeout_seconds"`
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
	ApprovedStates      []string `yaml:"approved_states"`
	RejectedStates      []string `yaml:"rejected_states"`
}

// ApprovalConfig holds approval lifecycle settings.
type ApprovalConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// EngineConfig holds graph engine settings.
type EngineConfig struct {
	PerRunHopLimit  int `yaml:"per_run_hop_limit"`
	PerNodeHopLimit int `yaml:"per_node_hop_limit"`
	LockWaitSeconds int `yaml:"lock_wait_seconds"`
}

// CheckpointConfig holds checkpoint retention settings.
type CheckpointConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// ToolsConfig holds tool catalog settings. Servers map server names to
// base URLs for discovery and execution; static descriptors may be
// provided inline for deployments without a discovery endpoint.
type ToolsConfig struct {
	CatalogTTLSeconds     int                       `yaml:"catalog_ttl_seconds"`
	MaxToolsPerInvocation int                       `yaml:"max_tools_per_invocation"`
	TimeoutSeconds        int                       `yaml:"timeout_seconds"`
	Servers               map[string]string         `yaml:"servers"`
	PerAgentStrategy      map[string]tools.Strategy `yaml:"per_agent_strategy"`
	Static                []tools.Descriptor        `yaml:"static"`
}

// RiskConfig holds risk assessment settings.
type RiskConfig struct {
	RulesPath string `yaml:"rules_path"`
}

// CleanupConfig holds the background retention sweep settings.
type CleanupConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		LLM: LLMConfig{
			Endpoint:       "https://api.openai.com/v1",
			DefaultModel:   "gpt-4o",
			TimeoutSeconds: 60,
		},
		Tracker: TrackerConfig{
			TimeoutSeconds:      15,
			PollIntervalSeconds: 300,
			ApprovedStates:      []string{"approved", "closed_approved"},
			RejectedStates:      []string{"rejected", "closed_rejected"},
		},
		Approval:   ApprovalConfig{TimeoutSeconds: 86400},
		Engine:     EngineConfig{PerRunHopLimit: 25, PerNodeHopLimit: 8, LockWaitSeconds: 5},
		Checkpoint: CheckpointConfig{TTLSeconds: 7 * 86400},
		Tools:      ToolsConfig{CatalogTTLSeconds: 300, MaxToolsPerInvocation: 60, TimeoutSeconds: 30},
		Cleanup:    CleanupConfig{IntervalSeconds: 3600},
	}
}

// Load reads and validates a config file. A missing file yields the
// defaults; environment variables are expanded with {{.VAR}} syntax.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("No config file found, using defaults", "path", path)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(ExpandEnv(data), &loaded); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// User values override defaults; unset fields keep them.
	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint is required")
	}
	if _, err := url.Parse(c.LLM.Endpoint); err != nil {
		return fmt.Errorf("llm.endpoint: %w", err)
	}
	if c.LLM.DefaultModel == "" {
		return fmt.Errorf("llm.default_model is required")
	}
	if c.Tracker.BaseURL != "" {
		if _, err := url.Parse(c.Tracker.BaseURL); err != nil {
			return fmt.Errorf("tracker.base_url: %w", err)
		}
	}
	if c.Engine.PerRunHopLimit <= 0 {
		return fmt.Errorf("engine.per_run_hop_limit must be positive")
	}
	if c.Engine.PerNodeHopLimit <= 0 {
		return fmt.Errorf("engine.per_node_hop_limit must be positive")
	}
	if c.Approval.TimeoutSeconds <= 0 {
		return fmt.Errorf("approval.timeout_seconds must be positive")
	}
	if c.Tools.MaxToolsPerInvocation <= 0 {
		return fmt.Errorf("tools.max_tools_per_invocation must be positive")
	}
	for name, base := range c.Tools.Servers {
		if _, err := url.Parse(base); err != nil {
			return fmt.Errorf("tools.servers[%s]: %w", name, err)
		}
	}
	for agent, strategy := range c.Tools.PerAgentStrategy {
		switch strategy {
		case tools.StrategyMinimal, tools.StrategyAgentProfile, tools.StrategyProgressive, tools.StrategyFull:
		default:
			return fmt.Errorf("tools.per_agent_strategy[%s]: unknown strategy %q", agent, strategy)
		}
	}
	return nil
}

// Duration helpers; the YAML surface uses plain seconds.

func (c *Config) LLMTimeout() time.Duration      { return secs(c.LLM.TimeoutSeconds) }
func (c *Config) TrackerTimeout() time.Duration  { return secs(c.Tracker.TimeoutSeconds) }
func (c *Config) PollInterval() time.Duration    { return secs(c.Tracker.PollIntervalSeconds) }
func (c *Config) ApprovalTimeout() time.Duration { return secs(c.Approval.TimeoutSeconds) }
func (c *Config) LockWait() time.Duration        { return secs(c.Engine.LockWaitSeconds) }
func (c *Config) CheckpointTTL() time.Duration   { return secs(c.Checkpoint.TTLSeconds) }
func (c *Config) CatalogTTL() time.Duration      { return secs(c.Tools.CatalogTTLSeconds) }
func (c *Config) ToolTimeout() time.Duration     { return secs(c.Tools.TimeoutSeconds) }
func (c *Config) CleanupInterval() time.Duration { return secs(c.Cleanup.IntervalSeconds) }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// ModelFor returns the model for an agent, falling back to the default.
func (c *Config) ModelFor(agent string) string {
	if m, ok := c.LLM.PerAgentModels[agent]; ok && m != "" {
		return m
	}
	return c.LLM.DefaultModel
}

// StrategyFor returns the tool strategy override for an agent, if any.
func (c *Config) StrategyFor(agent string) (tools.Strategy, bool) {
	s, ok := c.Tools.PerAgentStrategy[agent]
	return s, ok && s != ""
}
