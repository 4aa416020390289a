package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for order-sync.
type Config struct {
	// Base URL of the orders API, e.g. https://api.example.com
	APIURL string `env:"ORDERS_API_URL"`

	// Bearer token and user. Both are optional: a token saved by an
	// earlier session is reused, and the user defaults to the token's
	// subject claim.
	AccessToken string `env:"ORDERS_ACCESS_TOKEN"`
	UserID      string `env:"ORDERS_USER_ID"`

	// Path of the bbolt state file. Empty means ~/.order-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Directory the scraper drops new orders into. Empty disables the
	// inbox watcher.
	InboxDir string `env:"INBOX_DIR"`

	// Local HTTP server for the change feed, MCP tools and health check.
	ListenAddr     string   `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8787"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	// Comma-separated keys required on /events and /mcp. Empty leaves
	// the local server open, which is only safe on a loopback address.
	LocalAPIKeys []string `env:"LOCAL_API_KEYS" envSeparator:","`

	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	SyncInterval     time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	Debounce         time.Duration `env:"DEBOUNCE" envDefault:"2s"`
	BatchConcurrency int           `env:"BATCH_CONCURRENCY" envDefault:"4"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
	LogFile     string `env:"LOG_FILE"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the access token to other users.
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

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	for _, p := range []*string{&cfg.StatePath, &cfg.InboxDir, &cfg.LogFile} {
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
	if c.APIURL == "" {
		return fmt.Errorf("ORDERS_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("ORDERS_API_URL must be an absolute http(s) URL, got %q", c.APIURL)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}

	if c.Debounce < 0 {
		return fmt.Errorf("DEBOUNCE must not be negative")
	}

	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1")
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
