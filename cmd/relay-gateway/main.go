// ABOUTME: Entry point for relay-gateway
// ABOUTME: Serves the conversation API and offers init, health and purge commands

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/gateway"
	"github.com/2389/relay-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _
  _ __ ___| | __ _ _   _
 | '__/ _ \ |/ _' | | | |
 | | |  __/ | (_| | |_| |
 |_|  \___|_|\__,_|\__, |
                   |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/relay > ~/.local/share/relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "relay")
}

// loadConfig reads the config file, falling back to defaults when none exists.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func usage() {
	fmt.Println("Usage: relay-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve          Start the gateway server")
	fmt.Println("  init           Create a new config file interactively")
	fmt.Println("  health         Check gateway health")
	fmt.Println("  purge <id>     Delete a conversation record from the store")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A .env next to the binary is optional.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "purge":
		err = runPurge(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s", cfg.Store.Driver)
	if cfg.Store.Path != "" {
		gray.Printf(" (%s)", cfg.Store.Path)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s", cfg.Provider.Name)
	if cfg.Provider.Name == "openai" {
		gray.Printf(" (%s)", cfg.Provider.OpenAI.Model)
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}

	fmt.Println()

	logger.Info("starting relay-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Driver,
		"provider", cfg.Provider.Name,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(string(body))
	return nil
}

// runPurge deletes conversation records directly from the configured store.
// Use it on a stopped gateway or for stores shared across processes.
func runPurge(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("purge requires at least one conversation id")
	}

	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	return purge(ctx, conversation.NewRecordStore(s), args, os.Stdout)
}

func purge(ctx context.Context, records *conversation.RecordStore, ids []string, out io.Writer) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	var missing int
	for _, id := range ids {
		rec, err := records.Delete(ctx, id)
		switch {
		case errors.Is(err, conversation.ErrRecordNotFound):
			missing++
			yellow.Fprintf(out, "  - %s: not found\n", id)
		case err != nil:
			return fmt.Errorf("deleting %s: %w", id, err)
		default:
			green.Fprintf(out, "  ✓ %s: deleted (%s, %d tokens)\n", id, rec.State(), len(rec.Tokens))
		}
	}
	if missing == len(ids) {
		return store.ErrNotFound
	}
	return nil
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "relay-gateway configuration setup")
	fmt.Fprintln(out, "=================================")
	fmt.Fprintln(out)

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:3080")

	fmt.Fprintln(out, "\n--- Store Configuration ---")
	a.Driver = prompt(reader, out, "Store driver (memory/sqlite/bolt/redis)", "sqlite")
	switch a.Driver {
	case "sqlite":
		a.StorePath = prompt(reader, out, "SQLite database path", filepath.Join(defaultDataPath, "records.db"))
	case "bolt":
		a.StorePath = prompt(reader, out, "Bolt database path", filepath.Join(defaultDataPath, "records.bolt"))
	case "redis":
		a.RedisAddr = prompt(reader, out, "Redis address", "localhost:6379")
	}

	fmt.Fprintln(out, "\n--- Provider Configuration ---")
	a.Provider = prompt(reader, out, "Provider (openai/echo)", "echo")
	if a.Provider == "openai" {
		a.Model = prompt(reader, out, "Model", "gpt-4o-mini")
		a.BaseURL = prompt(reader, out, "Base URL (leave empty for api.openai.com)", "")
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.Tailscale = isYes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "relay-gateway")
		a.TSFunnel = isYes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	content := renderConfig(a)
	if _, err := config.Parse([]byte(content), "yaml"); err != nil {
		// Usually a secret referenced by ${VAR} that is not exported yet.
		color.New(color.FgYellow).Fprintf(out, "\nWarning: %v\n", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if a.StorePath != "" {
		if err := os.MkdirAll(filepath.Dir(a.StorePath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  relay-gateway serve")
	return nil
}

// initAnswers collects what runInit asked for.
type initAnswers struct {
	HTTPAddr   string
	Driver     string
	StorePath  string
	RedisAddr  string
	Provider   string
	Model      string
	BaseURL    string
	Tailscale  bool
	TSHostname string
	TSFunnel   bool
	LogLevel   string
	LogFormat  string
}

// renderConfig writes the answers as a commented YAML config.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# relay-gateway configuration\n")
	cfg.WriteString("# Generated by relay-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString("  shutdown_timeout: \"30s\"\n\n")

	cfg.WriteString("store:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", a.Driver))
	if a.StorePath != "" {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", a.StorePath))
	}
	if a.RedisAddr != "" {
		cfg.WriteString("  redis:\n")
		cfg.WriteString(fmt.Sprintf("    addr: %q\n", a.RedisAddr))
		cfg.WriteString("    password: \"${RELAY_REDIS_PASSWORD}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("provider:\n")
	cfg.WriteString(fmt.Sprintf("  name: %q\n", a.Provider))
	if a.Provider == "openai" {
		cfg.WriteString("  openai:\n")
		cfg.WriteString("    api_key: \"${OPENAI_API_KEY}\"\n")
		cfg.WriteString(fmt.Sprintf("    model: %q\n", a.Model))
		if a.BaseURL != "" {
			cfg.WriteString(fmt.Sprintf("    base_url: %q\n", a.BaseURL))
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("streaming:\n")
	cfg.WriteString("  record_ttl: \"10m\"\n")
	cfg.WriteString("  refresh_ttl_on_append: false\n")
	cfg.WriteString("  bootstrap_timeout: \"30s\"\n")
	cfg.WriteString("  producer_timeout: \"5m\"\n\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.Tailscale))
	if a.Tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TSHostname))
		cfg.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", a.TSFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", a.LogFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	return cfg.String()
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
