// Package config holds all configuration types and loading logic for priorq.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a priorq server instance.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds network settings and the data directory used by the
// subscription registry.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// QueueConfig sets the broker's queue engine parameters. All durations are
// milliseconds.
type QueueConfig struct {
	// Priorities is the number of priority levels; 0 is the highest.
	Priorities int `yaml:"priorities"`

	// Capacity is the maximum number of live messages, failed included.
	Capacity int `yaml:"capacity"`

	// AckTimeoutMs is how long a consumer may hold a message before the
	// monitor intervenes. 0 disables timeout-driven retries.
	AckTimeoutMs int `yaml:"ack_timeout_ms"`

	// MaxRetries is the number of timeouts before a message is failed.
	// 0 = retry forever.
	MaxRetries int `yaml:"max_retries"`

	// BoostTimeoutMs is how long a message may starve at priority > 0 before
	// being promoted. 0 disables boosting.
	BoostTimeoutMs int `yaml:"boost_timeout_ms"`

	// PollIntervalMs is the monitor scan period.
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MetricsConfig controls the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Queue: QueueConfig{
			Priorities:     3,
			Capacity:       10_000,
			AckTimeoutMs:   30_000,
			MaxRetries:     3,
			BoostTimeoutMs: 300_000,
			PollIntervalMs: 500,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run priorq with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	PRIORQ_AUTH_API_KEY — sets auth.api_key and enables auth
//	PRIORQ_DATA_DIR     — sets server.data_dir
//	PRIORQ_PORT         — sets server.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PRIORQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("PRIORQ_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("PRIORQ_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir must not be empty")
	}
	if c.Queue.Priorities < 1 || c.Queue.Priorities > 255 {
		return errors.New("queue.priorities must be between 1 and 255")
	}
	if c.Queue.Capacity < 1 {
		return errors.New("queue.capacity must be at least 1")
	}
	if c.Queue.AckTimeoutMs < 0 {
		return errors.New("queue.ack_timeout_ms must be >= 0")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must be >= 0")
	}
	if c.Queue.BoostTimeoutMs < 0 {
		return errors.New("queue.boost_timeout_ms must be >= 0")
	}
	if c.Queue.PollIntervalMs < 1 {
		return errors.New("queue.poll_interval_ms must be at least 1")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.rps and rate_limit.burst must be positive")
	}
	return nil
}

// AckTimeout returns the ack timeout as a Duration.
func (q QueueConfig) AckTimeout() time.Duration {
	return time.Duration(q.AckTimeoutMs) * time.Millisecond
}

// BoostTimeout returns the boost timeout as a Duration.
func (q QueueConfig) BoostTimeout() time.Duration {
	return time.Duration(q.BoostTimeoutMs) * time.Millisecond
}

// PollInterval returns the monitor poll interval as a Duration.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}
