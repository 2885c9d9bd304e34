// Package config loads and validates the reelpipe TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Server configures the HTTP surface (webhooks, subtitle content server,
// run inspection API).
type Server struct {
	Bind string `toml:"bind"`
	// PublicBaseURL is the externally reachable base URL used to build the
	// transcription callback URL and the subtitle URLs handed to the video
	// host. The host pulls subtitle bytes from us, we never push them.
	PublicBaseURL string `toml:"public_base_url"`
}

// Database selects the run/resource store backend.
type Database struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	DSN    string `toml:"dsn"`
}

// Redis optionally backs the idempotency-key store. When Addr is empty the
// SQLite/Postgres store is used instead.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Logging configures slog output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// VideoHost configures the external video hosting API.
type VideoHost struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// Speech configures the external speech-to-text provider.
type Speech struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// Email configures the outbound mail API. When Endpoint is empty a noop
// sender is used.
type Email struct {
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
	From     string `toml:"from"`
	// Operator receives processing and failure notifications when set.
	Operator string `toml:"operator"`
}

// Pipeline contains workflow timing and retry bounds.
type Pipeline struct {
	Workers             int `toml:"workers"`
	MaxAttempts         int `toml:"max_attempts"`
	RetryInitialSeconds int `toml:"retry_initial_seconds"`
	RetryMaxSeconds     int `toml:"retry_max_seconds"`
	PollCooldownSeconds int `toml:"poll_cooldown_seconds"`
	PollLimit           int `toml:"poll_limit"`
}

// Config is the root configuration document.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Server    Server    `toml:"server"`
	Database  Database  `toml:"database"`
	Redis     Redis     `toml:"redis"`
	Logging   Logging   `toml:"logging"`
	VideoHost VideoHost `toml:"videohost"`
	Speech    Speech    `toml:"speech"`
	Email     Email     `toml:"email"`
	Pipeline  Pipeline  `toml:"pipeline"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "reelpipe", "config.toml")
	}
	return "reelpipe.toml"
}

// Load reads the config file at path, applies defaults, and validates the
// result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Fall through with defaults.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	var problems []string
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver: unsupported value %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Server.Bind) == "" {
		problems = append(problems, "server.bind: must not be empty")
	}
	if c.Pipeline.Workers <= 0 {
		problems = append(problems, "pipeline.workers: must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		problems = append(problems, "pipeline.max_attempts: must be positive")
	}
	if c.Pipeline.PollLimit <= 0 {
		problems = append(problems, "pipeline.poll_limit: must be positive")
	}
	if c.Pipeline.PollCooldownSeconds < 0 {
		problems = append(problems, "pipeline.poll_cooldown_seconds: must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format: unsupported value %q", c.Logging.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
