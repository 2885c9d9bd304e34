package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Default returns a Config populated with defaults suitable for a
// single-node deployment.
func Default() *Config {
	dataDir := "reelpipe-data"
	if dir, err := os.UserCacheDir(); err == nil {
		dataDir = filepath.Join(dir, "reelpipe")
	}
	return &Config{
		Paths: Paths{
			DataDir: dataDir,
			LogDir:  filepath.Join(dataDir, "logs"),
		},
		Server: Server{
			Bind:          "127.0.0.1:8720",
			PublicBaseURL: "http://127.0.0.1:8720",
		},
		Database: Database{
			Driver: "sqlite",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Pipeline: Pipeline{
			Workers:             4,
			MaxAttempts:         5,
			RetryInitialSeconds: 2,
			RetryMaxSeconds:     120,
			PollCooldownSeconds: 20,
			PollLimit:           30,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = def.Paths.DataDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if strings.TrimSpace(c.Server.Bind) == "" {
		c.Server.Bind = def.Server.Bind
	}
	if strings.TrimSpace(c.Server.PublicBaseURL) == "" {
		c.Server.PublicBaseURL = "http://" + c.Server.Bind
	}
	if strings.TrimSpace(c.Database.Driver) == "" {
		c.Database.Driver = def.Database.Driver
	}
	if strings.TrimSpace(c.Database.DSN) == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = filepath.Join(c.Paths.DataDir, "reelpipe.db")
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = def.Logging.Level
	}
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = def.Pipeline.Workers
	}
	if c.Pipeline.MaxAttempts == 0 {
		c.Pipeline.MaxAttempts = def.Pipeline.MaxAttempts
	}
	if c.Pipeline.RetryInitialSeconds == 0 {
		c.Pipeline.RetryInitialSeconds = def.Pipeline.RetryInitialSeconds
	}
	if c.Pipeline.RetryMaxSeconds == 0 {
		c.Pipeline.RetryMaxSeconds = def.Pipeline.RetryMaxSeconds
	}
	if c.Pipeline.PollCooldownSeconds == 0 {
		c.Pipeline.PollCooldownSeconds = def.Pipeline.PollCooldownSeconds
	}
	if c.Pipeline.PollLimit == 0 {
		c.Pipeline.PollLimit = def.Pipeline.PollLimit
	}
}
