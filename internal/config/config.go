package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/chat-sync/internal/auth"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Chat API endpoints.
	APIURL     string `env:"CHAT_API_URL" envDefault:"https://api.chat.example.com/v1"`
	GatewayURL string `env:"CHAT_GATEWAY_URL" envDefault:"wss://gateway.chat.example.com"`

	// Credentials. CHAT_TOKEN wins over the token file; both fall back
	// to the token persisted in the state database.
	Token     string `env:"CHAT_TOKEN"`
	TokenFile string `env:"CHAT_TOKEN_FILE"`

	// Local state database. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Gateway timing. A zero heartbeat interval uses the server's.
	HeartbeatInterval    time.Duration `env:"CHAT_HEARTBEAT_INTERVAL" envDefault:"0s"`
	HealthCheckInterval  time.Duration `env:"CHAT_HEALTH_CHECK_INTERVAL" envDefault:"0s"`
	ReconnectBaseDelay   time.Duration `env:"CHAT_RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"CHAT_RECONNECT_MAX_DELAY" envDefault:"30s"`
	MaxReconnectAttempts int           `env:"CHAT_RECONNECT_MAX_ATTEMPTS" envDefault:"10"`

	// Store and REST tuning.
	PageSize        int     `env:"CHAT_PAGE_SIZE" envDefault:"50"`
	SendMaxAttempts int     `env:"CHAT_SEND_MAX_ATTEMPTS" envDefault:"3"`
	APIRateLimit    float64 `env:"CHAT_API_RATE_LIMIT" envDefault:"5"`

	// Optional YAML notification policy, hot reloaded.
	NotifyPolicyFile string `env:"CHAT_NOTIFY_POLICY_FILE"`

	// Channel to select on startup.
	InitialChannel string `env:"CHAT_INITIAL_CHANNEL"`

	// MCP server settings (required when MCP is enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StatePath = filepath.Join(home, ".chat-sync", "state.db")
	}

	for _, p := range []*string{&cfg.StatePath, &cfg.TokenFile, &cfg.NotifyPolicyFile} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := validateURL("CHAT_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if err := validateURL("CHAT_GATEWAY_URL", c.GatewayURL, "ws", "wss"); err != nil {
		return err
	}

	if c.HeartbeatInterval < 0 || c.HealthCheckInterval < 0 {
		return fmt.Errorf("CHAT_HEARTBEAT_INTERVAL and CHAT_HEALTH_CHECK_INTERVAL must not be negative")
	}

	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_BASE_DELAY must be positive")
	}

	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("CHAT_RECONNECT_MAX_DELAY must be at least CHAT_RECONNECT_BASE_DELAY")
	}

	if c.PageSize <= 0 || c.PageSize > 100 {
		return fmt.Errorf("CHAT_PAGE_SIZE must be between 1 and 100")
	}

	if c.SendMaxAttempts <= 0 {
		return fmt.Errorf("CHAT_SEND_MAX_ATTEMPTS must be positive")
	}

	if c.APIRateLimit <= 0 {
		return fmt.Errorf("CHAT_API_RATE_LIMIT must be positive")
	}

	if c.EnableMCP {
		if c.MCPAPIKeys == "" {
			return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
		}

		if _, err := auth.ParseAPIKeys(c.MCPAPIKeys); err != nil {
			return fmt.Errorf("MCP_API_KEYS: %w", err)
		}
	}

	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %v URL", name, schemes)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeys parses MCP_API_KEYS. Load has already validated it.
func (c *Config) APIKeys() ([]auth.APIKey, error) {
	return auth.ParseAPIKeys(c.MCPAPIKeys)
}
