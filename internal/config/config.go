package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs at runtime. Values are resolved in
// three layers: built-in defaults, then an optional YAML file, then TERMMUX_*
// environment variables.
type Config struct {
	// Addr is the listen address for the HTTP/WebSocket server.
	Addr string `yaml:"addr"`

	// Shell is the command spawned for every session. Defaults to $SHELL,
	// falling back to /bin/bash.
	Shell string `yaml:"shell"`

	// GracePeriod is how long a detached session is kept alive awaiting
	// reattachment before the supervisor closes it.
	GracePeriod time.Duration `yaml:"grace_period" split_words:"true"`

	// SweepInterval is how often the supervisor scans for expired sessions.
	SweepInterval time.Duration `yaml:"sweep_interval" split_words:"true"`

	// MaxSessions caps concurrently live sessions across all connections.
	MaxSessions int `yaml:"max_sessions" split_words:"true"`

	// ReplayBufferSize bounds the per-session output buffer, in bytes, kept
	// for replay on reattach. Oldest bytes are dropped past the cap.
	ReplayBufferSize int `yaml:"replay_buffer_size" split_words:"true"`

	// SpawnRetries bounds PTY spawn attempts before a create request fails.
	SpawnRetries int `yaml:"spawn_retries" split_words:"true"`

	// Dev switches on pretty console logging.
	Dev bool `yaml:"dev"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Config{
		Addr:             ":8787",
		Shell:            shell,
		GracePeriod:      10 * time.Minute,
		SweepInterval:    30 * time.Second,
		MaxSessions:      10,
		ReplayBufferSize: 5 * 1024 * 1024,
		SpawnRetries:     3,
	}
}

// Load resolves the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("termmux", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive, got %s", c.GracePeriod)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.SpawnRetries <= 0 {
		return fmt.Errorf("spawn_retries must be positive, got %d", c.SpawnRetries)
	}
	if c.Shell == "" {
		return fmt.Errorf("shell must not be empty")
	}
	return nil
}
