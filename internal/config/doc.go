// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file, with ${VAR} expansion
// applied to the raw text and RELAY_* environment variables overriding
// individual fields afterwards. Every field has a default, so an empty file
// is a valid configuration that serves the echo provider from memory.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay/gateway.yaml
//  3. ~/.config/relay/gateway.yaml
//
// Files ending in .toml are parsed as TOML; anything else is YAML.
//
// # Environment Variables
//
// ${VAR_NAME} references are replaced before parsing; unset variables
// become empty strings:
//
//	provider:
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//
// After parsing, tagged fields are overlaid from the environment, for
// example RELAY_HTTP_ADDR, RELAY_STORE_DRIVER, RELAY_PROVIDER,
// RELAY_RECORD_TTL and RELAY_LOG_LEVEL.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:3080"
//	  shutdown_timeout: "30s"
//
//	store:
//	  driver: "sqlite"          # memory, sqlite, bolt, redis
//	  path: "/var/lib/relay/records.db"
//	  sweep_interval: "1m"
//	  redis:
//	    addr: "localhost:6379"
//	    key_prefix: "relay:"
//
//	provider:
//	  name: "openai"            # openai, echo
//	  history_ttl: "24h"
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//	    model: "gpt-4o-mini"
//
//	streaming:
//	  record_ttl: "10m"
//	  refresh_ttl_on_append: false
//	  bootstrap_poll_interval: "250ms"
//	  bootstrap_timeout: "30s"
//	  stream_poll_interval: "500ms"
//	  keepalive_interval: "15s"
//	  producer_timeout: "5m"
//
//	logging:
//	  level: "info"             # debug, info, warn, error
//	  format: "text"            # text, json
//
// # Validation
//
// Load rejects unknown store drivers and providers, missing store paths or
// Redis addresses, an openai provider without an API key, negative
// durations, and a bootstrap poll interval longer than the bootstrap
// timeout.
package config
