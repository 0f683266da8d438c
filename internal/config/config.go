// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, RELAY_* environment overrides, and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Provider  ProviderConfig  `yaml:"provider" toml:"provider"`
	Streaming StreamingConfig `yaml:"streaming" toml:"streaming"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"RELAY_HTTP_ADDR"`

	// ShutdownTimeout bounds how long in-flight producers are waited for on exit
	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"RELAY_SHUTDOWN_TIMEOUT"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"RELAY_TAILSCALE_ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	CertFile  string `yaml:"cert_file" toml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" toml:"key_file"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Public Funnel (implies HTTPS)
}

// StoreConfig selects the key-value backend
type StoreConfig struct {
	Driver string      `yaml:"driver" toml:"driver" env:"RELAY_STORE_DRIVER"`
	Path   string      `yaml:"path" toml:"path" env:"RELAY_STORE_PATH"`
	Redis  RedisConfig `yaml:"redis" toml:"redis"`

	SweepInterval    time.Duration `yaml:"-" toml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval" toml:"sweep_interval"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr" env:"RELAY_REDIS_ADDR"`
	Username  string `yaml:"username" toml:"username"`
	Password  string `yaml:"password" toml:"password" env:"RELAY_REDIS_PASSWORD"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// ProviderConfig selects the chat provider
type ProviderConfig struct {
	Name   string       `yaml:"name" toml:"name" env:"RELAY_PROVIDER"`
	OpenAI OpenAIConfig `yaml:"openai" toml:"openai"`
	Echo   EchoConfig   `yaml:"echo" toml:"echo"`

	// HistoryTTL is how long provider-side message history is kept
	HistoryTTL    time.Duration `yaml:"-" toml:"-"`
	HistoryTTLRaw string        `yaml:"history_ttl" toml:"history_ttl"`
}

// OpenAIConfig holds settings for OpenAI-compatible endpoints
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key" toml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL      string `yaml:"base_url" toml:"base_url" env:"OPENAI_BASE_URL"`
	Model        string `yaml:"model" toml:"model" env:"RELAY_MODEL"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
	Referrer     string `yaml:"referrer" toml:"referrer"`
	Title        string `yaml:"title" toml:"title"`
}

// EchoConfig configures the echo provider
type EchoConfig struct {
	TokenDelay    time.Duration `yaml:"-" toml:"-"`
	TokenDelayRaw string        `yaml:"token_delay" toml:"token_delay"`
}

// StreamingConfig holds progress-streaming timing
type StreamingConfig struct {
	RecordTTL             time.Duration `yaml:"-" toml:"-"`
	BootstrapPollInterval time.Duration `yaml:"-" toml:"-"`
	BootstrapTimeout      time.Duration `yaml:"-" toml:"-"`
	StreamPollInterval    time.Duration `yaml:"-" toml:"-"`
	KeepaliveInterval     time.Duration `yaml:"-" toml:"-"`
	ProducerTimeout       time.Duration `yaml:"-" toml:"-"`

	// RefreshTTLOnAppend extends the record ttl on every token instead of only at creation
	RefreshTTLOnAppend bool `yaml:"refresh_ttl_on_append" toml:"refresh_ttl_on_append" env:"RELAY_REFRESH_TTL_ON_APPEND"`

	// Raw string values for unmarshaling
	RecordTTLRaw             string `yaml:"record_ttl" toml:"record_ttl" env:"RELAY_RECORD_TTL"`
	BootstrapPollIntervalRaw string `yaml:"bootstrap_poll_interval" toml:"bootstrap_poll_interval"`
	BootstrapTimeoutRaw      string `yaml:"bootstrap_timeout" toml:"bootstrap_timeout" env:"RELAY_BOOTSTRAP_TIMEOUT"`
	StreamPollIntervalRaw    string `yaml:"stream_poll_interval" toml:"stream_poll_interval"`
	KeepaliveIntervalRaw     string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	ProducerTimeoutRaw       string `yaml:"producer_timeout" toml:"producer_timeout" env:"RELAY_PRODUCER_TIMEOUT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"RELAY_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"RELAY_LOG_FORMAT"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"RELAY_METRICS_ENABLED"`
	Path    string `yaml:"path" toml:"path"`
}

// Store drivers and provider names accepted by Validate.
var (
	validDrivers   = []string{"memory", "sqlite", "bolt", "redis"}
	validProviders = []string{"openai", "echo"}
)

// Default returns the configuration used when a field is left unset.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{HTTPAddr: "localhost:3080"},
		Store:  StoreConfig{Driver: "memory"},
		Provider: ProviderConfig{
			Name:   "echo",
			OpenAI: OpenAIConfig{Model: "gpt-4o-mini"},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then RELAY_*
// variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, formatOf(path))
}

// Parse decodes config data in the given format ("yaml" or "toml").
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func formatOf(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyDefaults fills unset fields
func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.SweepInterval == 0 {
		cfg.Store.SweepInterval = time.Minute
	}
	if cfg.Store.Redis.KeyPrefix == "" {
		cfg.Store.Redis.KeyPrefix = "relay:"
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "echo"
	}
	if cfg.Provider.HistoryTTL == 0 {
		cfg.Provider.HistoryTTL = 24 * time.Hour
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	s := &cfg.Streaming
	if s.RecordTTL == 0 {
		s.RecordTTL = 10 * time.Minute
	}
	if s.BootstrapPollInterval == 0 {
		s.BootstrapPollInterval = 250 * time.Millisecond
	}
	if s.BootstrapTimeout == 0 {
		s.BootstrapTimeout = 30 * time.Second
	}
	if s.StreamPollInterval == 0 {
		s.StreamPollInterval = 500 * time.Millisecond
	}
	if s.KeepaliveInterval == 0 {
		s.KeepaliveInterval = 15 * time.Second
	}
	if s.ProducerTimeout == 0 {
		s.ProducerTimeout = 5 * time.Minute
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !contains(validDrivers, c.Store.Driver) {
		return fmt.Errorf("store.driver must be one of %s, got %q", strings.Join(validDrivers, ", "), c.Store.Driver)
	}
	switch c.Store.Driver {
	case "sqlite", "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s driver", c.Store.Driver)
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis driver")
		}
	}

	if !contains(validProviders, c.Provider.Name) {
		return fmt.Errorf("provider.name must be one of %s, got %q", strings.Join(validProviders, ", "), c.Provider.Name)
	}
	if c.Provider.Name == "openai" && c.Provider.OpenAI.APIKey == "" {
		return fmt.Errorf("provider.openai.api_key is required (or set OPENAI_API_KEY)")
	}

	s := c.Streaming
	durations := map[string]time.Duration{
		"streaming.record_ttl":              s.RecordTTL,
		"streaming.bootstrap_poll_interval": s.BootstrapPollInterval,
		"streaming.bootstrap_timeout":       s.BootstrapTimeout,
		"streaming.stream_poll_interval":    s.StreamPollInterval,
		"streaming.keepalive_interval":      s.KeepaliveInterval,
		"streaming.producer_timeout":        s.ProducerTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if s.BootstrapPollInterval > s.BootstrapTimeout {
		return fmt.Errorf("streaming.bootstrap_poll_interval (%s) exceeds streaming.bootstrap_timeout (%s)",
			s.BootstrapPollInterval, s.BootstrapTimeout)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"store.sweep_interval", cfg.Store.SweepIntervalRaw, &cfg.Store.SweepInterval},
		{"provider.history_ttl", cfg.Provider.HistoryTTLRaw, &cfg.Provider.HistoryTTL},
		{"provider.echo.token_delay", cfg.Provider.Echo.TokenDelayRaw, &cfg.Provider.Echo.TokenDelay},
		{"streaming.record_ttl", cfg.Streaming.RecordTTLRaw, &cfg.Streaming.RecordTTL},
		{"streaming.bootstrap_poll_interval", cfg.Streaming.BootstrapPollIntervalRaw, &cfg.Streaming.BootstrapPollInterval},
		{"streaming.bootstrap_timeout", cfg.Streaming.BootstrapTimeoutRaw, &cfg.Streaming.BootstrapTimeout},
		{"streaming.stream_poll_interval", cfg.Streaming.StreamPollIntervalRaw, &cfg.Streaming.StreamPollInterval},
		{"streaming.keepalive_interval", cfg.Streaming.KeepaliveIntervalRaw, &cfg.Streaming.KeepaliveInterval},
		{"streaming.producer_timeout", cfg.Streaming.ProducerTimeoutRaw, &cfg.Streaming.ProducerTimeout},
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

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
