// ABOUTME: Configuration loading and parsing for the gateway and agent binaries.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration. The gateway binary reads Server,
// Auth, Dispatch, Registry, Cleanup and Logging; the agent binary reads
// Edge, Auth and Logging.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Registry RegistryConfig `yaml:"registry"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Edge     EdgeConfig     `yaml:"edge"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds gateway listen addresses. The channel endpoint and
// the HTTP API share one listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DispatchConfig holds the per-command retry and timeout schedule.
type DispatchConfig struct {
	CommandTimeout   time.Duration `yaml:"-"`
	RetryDelay       time.Duration `yaml:"-"`
	BreakerReset     time.Duration `yaml:"-"`
	MaxRetries       int           `yaml:"max_retries"`
	BreakerThreshold int           `yaml:"breaker_failure_threshold"`

	CommandTimeoutRaw string `yaml:"command_timeout"`
	RetryDelayRaw     string `yaml:"retry_delay"`
	BreakerResetRaw   string `yaml:"breaker_reset"`
}

// RegistryConfig holds agent liveness configuration.
type RegistryConfig struct {
	LivenessWindow time.Duration `yaml:"-"`

	LivenessWindowRaw string `yaml:"liveness_window"`
}

// CleanupConfig holds the background sweeper schedule.
type CleanupConfig struct {
	SweepInterval time.Duration `yaml:"-"`
	Retention     time.Duration `yaml:"-"`

	SweepIntervalRaw string `yaml:"sweep_interval"`
	RetentionRaw     string `yaml:"retention"`
}

// EdgeConfig holds the on-prem agent configuration.
type EdgeConfig struct {
	GatewayURL        string        `yaml:"gateway_url"`
	TenantID          string        `yaml:"tenant_id"`
	AgentID           string        `yaml:"agent_id"`
	Token             string        `yaml:"token"`
	StorePath         string        `yaml:"store_path"`
	OfflineQueue      bool          `yaml:"offline_queue"`
	MaxQueuedCommands int           `yaml:"max_queued_commands"`
	HeartbeatInterval time.Duration `yaml:"-"`
	ReconnectMin      time.Duration `yaml:"-"`
	ReconnectMax      time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ReconnectMinRaw      string `yaml:"reconnect_min"`
	ReconnectMaxRaw      string `yaml:"reconnect_max"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default values applied when the file leaves a key unset.
const (
	DefaultCommandTimeout    = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 2 * time.Second
	DefaultBreakerThreshold  = 5
	DefaultBreakerReset      = 60 * time.Second
	DefaultLivenessWindow    = 5 * time.Minute
	DefaultSweepInterval     = time.Minute
	DefaultRetention         = time.Hour
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectMin      = time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultMaxQueued         = 1000
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. An unset variable expands to an empty
// string, which validation then catches for required keys.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Dispatch.CommandTimeout == 0 {
		c.Dispatch.CommandTimeout = DefaultCommandTimeout
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = DefaultMaxRetries
	}
	if c.Dispatch.RetryDelay == 0 {
		c.Dispatch.RetryDelay = DefaultRetryDelay
	}
	if c.Dispatch.BreakerThreshold == 0 {
		c.Dispatch.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.Dispatch.BreakerReset == 0 {
		c.Dispatch.BreakerReset = DefaultBreakerReset
	}
	if c.Registry.LivenessWindow == 0 {
		c.Registry.LivenessWindow = DefaultLivenessWindow
	}
	if c.Cleanup.SweepInterval == 0 {
		c.Cleanup.SweepInterval = DefaultSweepInterval
	}
	if c.Cleanup.Retention == 0 {
		c.Cleanup.Retention = DefaultRetention
	}
	if c.Edge.HeartbeatInterval == 0 {
		c.Edge.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Edge.ReconnectMin == 0 {
		c.Edge.ReconnectMin = DefaultReconnectMin
	}
	if c.Edge.ReconnectMax == 0 {
		c.Edge.ReconnectMax = DefaultReconnectMax
	}
	if c.Edge.MaxQueuedCommands == 0 {
		c.Edge.MaxQueuedCommands = DefaultMaxQueued
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Dispatch.MaxRetries < 1 {
		return fmt.Errorf("dispatch.max_retries must be at least 1")
	}
	if c.Edge.ReconnectMin > c.Edge.ReconnectMax {
		return fmt.Errorf("edge.reconnect_min must not exceed edge.reconnect_max")
	}
	return nil
}

// ValidateGateway checks the fields the gateway binary needs beyond
// Validate.
func (c *Config) ValidateGateway() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	return nil
}

// ValidateEdge checks the fields the agent binary needs beyond Validate.
func (c *Config) ValidateEdge() error {
	if c.Edge.GatewayURL == "" {
		return fmt.Errorf("edge.gateway_url is required")
	}
	if c.Edge.TenantID == "" {
		return fmt.Errorf("edge.tenant_id is required")
	}
	if c.Edge.AgentID == "" {
		return fmt.Errorf("edge.agent_id is required")
	}
	if c.Edge.OfflineQueue && c.Edge.StorePath == "" {
		return fmt.Errorf("edge.store_path is required when offline_queue is enabled")
	}
	return nil
}

// parseDurations converts raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Dispatch.CommandTimeoutRaw, &cfg.Dispatch.CommandTimeout, "dispatch.command_timeout"},
		{cfg.Dispatch.RetryDelayRaw, &cfg.Dispatch.RetryDelay, "dispatch.retry_delay"},
		{cfg.Dispatch.BreakerResetRaw, &cfg.Dispatch.BreakerReset, "dispatch.breaker_reset"},
		{cfg.Registry.LivenessWindowRaw, &cfg.Registry.LivenessWindow, "registry.liveness_window"},
		{cfg.Cleanup.SweepIntervalRaw, &cfg.Cleanup.SweepInterval, "cleanup.sweep_interval"},
		{cfg.Cleanup.RetentionRaw, &cfg.Cleanup.Retention, "cleanup.retention"},
		{cfg.Edge.HeartbeatIntervalRaw, &cfg.Edge.HeartbeatInterval, "edge.heartbeat_interval"},
		{cfg.Edge.ReconnectMinRaw, &cfg.Edge.ReconnectMin, "edge.reconnect_min"},
		{cfg.Edge.ReconnectMaxRaw, &cfg.Edge.ReconnectMax, "edge.reconnect_max"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
