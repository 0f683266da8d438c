// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion and overrides, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  shutdown_timeout: "10s"

store:
  driver: "bolt"
  path: "./records.db"

provider:
  name: "openai"
  openai:
    api_key: "sk-test"
    model: "gpt-4o"

streaming:
  record_ttl: "5m"
  refresh_ttl_on_append: true

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Store.Driver != "bolt" || cfg.Store.Path != "./records.db" {
		t.Errorf("Store = %+v, want bolt at ./records.db", cfg.Store)
	}
	if cfg.Provider.Name != "openai" || cfg.Provider.OpenAI.APIKey != "sk-test" {
		t.Errorf("Provider = %+v", cfg.Provider)
	}
	if cfg.Provider.OpenAI.Model != "gpt-4o" {
		t.Errorf("Provider.OpenAI.Model = %q, want gpt-4o", cfg.Provider.OpenAI.Model)
	}
	if cfg.Streaming.RecordTTL != 5*time.Minute {
		t.Errorf("Streaming.RecordTTL = %v, want 5m", cfg.Streaming.RecordTTL)
	}
	if !cfg.Streaming.RefreshTTLOnAppend {
		t.Error("Streaming.RefreshTTLOnAppend = false, want true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9000"

[store]
driver = "redis"

[store.redis]
addr = "localhost:6379"
key_prefix = "test:"

[streaming]
bootstrap_timeout = "2s"
bootstrap_poll_interval = "100ms"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Store.Driver != "redis" || cfg.Store.Redis.Addr != "localhost:6379" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Store.Redis.KeyPrefix != "test:" {
		t.Errorf("Store.Redis.KeyPrefix = %q, want test:", cfg.Store.Redis.KeyPrefix)
	}
	if cfg.Streaming.BootstrapTimeout != 2*time.Second {
		t.Errorf("Streaming.BootstrapTimeout = %v, want 2s", cfg.Streaming.BootstrapTimeout)
	}
	if cfg.Streaming.BootstrapPollInterval != 100*time.Millisecond {
		t.Errorf("Streaming.BootstrapPollInterval = %v, want 100ms", cfg.Streaming.BootstrapPollInterval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "localhost:3080"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"shutdown_timeout", cfg.Server.ShutdownTimeout, 30 * time.Second},
		{"sweep_interval", cfg.Store.SweepInterval, time.Minute},
		{"history_ttl", cfg.Provider.HistoryTTL, 24 * time.Hour},
		{"record_ttl", cfg.Streaming.RecordTTL, 10 * time.Minute},
		{"bootstrap_poll_interval", cfg.Streaming.BootstrapPollInterval, 250 * time.Millisecond},
		{"bootstrap_timeout", cfg.Streaming.BootstrapTimeout, 30 * time.Second},
		{"stream_poll_interval", cfg.Streaming.StreamPollInterval, 500 * time.Millisecond},
		{"keepalive_interval", cfg.Streaming.KeepaliveInterval, 15 * time.Second},
		{"producer_timeout", cfg.Streaming.ProducerTimeout, 5 * time.Minute},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Provider.Name != "echo" {
		t.Errorf("Provider.Name = %q, want echo", cfg.Provider.Name)
	}
	if cfg.Store.Redis.KeyPrefix != "relay:" {
		t.Errorf("Store.Redis.KeyPrefix = %q, want relay:", cfg.Store.Redis.KeyPrefix)
	}
	if cfg.Streaming.RefreshTTLOnAppend {
		t.Error("Streaming.RefreshTTLOnAppend should default to false")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "localhost:3080" {
		t.Errorf("Server.HTTPAddr = %q, want localhost:3080", cfg.Server.HTTPAddr)
	}
	if cfg.Provider.OpenAI.Model != "gpt-4o-mini" {
		t.Errorf("Provider.OpenAI.Model = %q, want gpt-4o-mini", cfg.Provider.OpenAI.Model)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_KEY", "sk-from-env")
	t.Setenv("TEST_RELAY_DB", "/tmp/relay-test.db")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "localhost:3080"
store:
  driver: "sqlite"
  path: "${TEST_RELAY_DB}"
provider:
  name: "openai"
  openai:
    api_key: "${TEST_RELAY_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("Provider.OpenAI.APIKey = %q, want sk-from-env", cfg.Provider.OpenAI.APIKey)
	}
	if cfg.Store.Path != "/tmp/relay-test.db" {
		t.Errorf("Store.Path = %q, want /tmp/relay-test.db", cfg.Store.Path)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_HTTP_ADDR", "0.0.0.0:9999")
	t.Setenv("RELAY_STORE_DRIVER", "memory")
	t.Setenv("RELAY_RECORD_TTL", "90s")
	t.Setenv("RELAY_REFRESH_TTL_ON_APPEND", "true")
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "localhost:3080"
store:
  driver: "bolt"
  path: "./records.db"
streaming:
  record_ttl: "10m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:9999" {
		t.Errorf("Server.HTTPAddr = %q, want override", cfg.Server.HTTPAddr)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Streaming.RecordTTL != 90*time.Second {
		t.Errorf("Streaming.RecordTTL = %v, want 90s", cfg.Streaming.RecordTTL)
	}
	if !cfg.Streaming.RefreshTTLOnAppend {
		t.Error("Streaming.RefreshTTLOnAppend = false, want true")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/gateway.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", "server:\n  http_addr: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "localhost:3080"
streaming:
  bootstrap_timeout: "soon"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "streaming.bootstrap_timeout") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
server:
  http_addr: ""
`,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "unknown driver",
			configContent: `
server:
  http_addr: "localhost:3080"
store:
  driver: "etcd"
`,
			wantErrSubstr: "store.driver must be one of",
		},
		{
			name: "sqlite without path",
			configContent: `
server:
  http_addr: "localhost:3080"
store:
  driver: "sqlite"
`,
			wantErrSubstr: "store.path is required for the sqlite driver",
		},
		{
			name: "redis without addr",
			configContent: `
server:
  http_addr: "localhost:3080"
store:
  driver: "redis"
`,
			wantErrSubstr: "store.redis.addr is required",
		},
		{
			name: "unknown provider",
			configContent: `
server:
  http_addr: "localhost:3080"
provider:
  name: "llama"
`,
			wantErrSubstr: "provider.name must be one of",
		},
		{
			name: "openai without key",
			configContent: `
server:
  http_addr: "localhost:3080"
provider:
  name: "openai"
`,
			wantErrSubstr: "provider.openai.api_key is required",
		},
		{
			name: "negative record ttl",
			configContent: `
server:
  http_addr: "localhost:3080"
streaming:
  record_ttl: "-1m"
`,
			wantErrSubstr: "streaming.record_ttl must not be negative",
		},
		{
			name: "poll interval longer than timeout",
			configContent: `
server:
  http_addr: "localhost:3080"
streaming:
  bootstrap_poll_interval: "1m"
  bootstrap_timeout: "10s"
`,
			wantErrSubstr: "exceeds streaming.bootstrap_timeout",
		},
		{
			name: "bad log format",
			configContent: `
server:
  http_addr: "localhost:3080"
logging:
  format: "xml"
`,
			wantErrSubstr: "logging.format must be text or json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Keep host environment from masking the case under test.
			t.Setenv("OPENAI_API_KEY", "")
			path := writeConfig(t, "gateway.yaml", tt.configContent)

			_, err := Load(path)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single env var", "${FOO}", "bar"},
		{"env var with surrounding text", "prefix-${FOO}-suffix", "prefix-bar-suffix"},
		{"multiple env vars", "${FOO}/${BAZ}", "bar/qux"},
		{"no env vars", "no-vars-here", "no-vars-here"},
		{"unset env var", "${UNSET_RELAY_VAR}", ""},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate_TailscaleConfig(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErrSubstr string
	}{
		{
			name: "tailscale enabled allows empty http_addr",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "relay"}
			},
		},
		{
			name: "tailscale enabled requires hostname",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{Enabled: true}
			},
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name: "tailscale disabled requires http_addr",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale = TailscaleConfig{Hostname: "relay"}
			},
			wantErrSubstr: "server.http_addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErrSubstr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErrSubstr)
			}
		})
	}
}
