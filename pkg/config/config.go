// Package config loads the enrichment run configuration from a YAML file.
// Environment variables referenced in the file (for example API tokens) are
// expanded before parsing, so secrets never have to live in the file itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dotalab/stratz-enrich/pkg/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config is the top-level run configuration.
type Config struct {
	API        APIConfig        `yaml:"api"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Retry      RetryConfig      `yaml:"retry"`
	Run        RunConfig        `yaml:"run"`
	Redis      RedisConfig      `yaml:"redis"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// APIConfig holds the STRATZ API settings.
type APIConfig struct {
	// Endpoint overrides the GraphQL URL. Empty means the production API.
	Endpoint string `yaml:"endpoint"`

	// Tokens is the credential pool. Entries usually reference environment
	// variables, e.g. ${STRATZ_TOKEN_1}.
	Tokens []string `yaml:"tokens"`

	// Timeout bounds a single request attempt.
	Timeout time.Duration `yaml:"timeout"`
}

// RateLimitsConfig holds the per-credential window limits.
type RateLimitsConfig struct {
	Second int `yaml:"second"`
	Minute int `yaml:"minute"`
	Hour   int `yaml:"hour"`
	Day    int `yaml:"day"`
}

// Limits converts the configured values into a rate limit table.
func (r RateLimitsConfig) Limits() ratelimit.Limits {
	return ratelimit.Limits{
		ratelimit.WindowSecond: r.Second,
		ratelimit.WindowMinute: r.Minute,
		ratelimit.WindowHour:   r.Hour,
		ratelimit.WindowDay:    r.Day,
	}
}

// RetryConfig holds the per-record retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// RunConfig holds the orchestration settings.
type RunConfig struct {
	// Dataset is the input JSON document mapping match IDs to records.
	Dataset string `yaml:"dataset"`

	// Output is where the enriched artifact is written on completion.
	Output string `yaml:"output"`

	// Checkpoint is the progress file path.
	Checkpoint string `yaml:"checkpoint"`

	// Workers bounds concurrent fetches. 0 means one worker per credential.
	Workers int `yaml:"workers"`

	// CheckpointInterval is the number of settled records between saves.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// ProgressInterval is the number of settled records between progress lines.
	ProgressInterval int `yaml:"progress_interval"`
}

// RedisConfig enables optional rate limit window persistence across process
// restarts. An empty Addr disables it; each restart then begins with fresh
// windows.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig enables the optional metrics/health listener.
type ServerConfig struct {
	// Addr like ":9090". Empty disables the listener.
	Addr string `yaml:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads, expands and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.RateLimits == (RateLimitsConfig{}) {
		defaults := ratelimit.DefaultLimits()
		c.RateLimits = RateLimitsConfig{
			Second: defaults[ratelimit.WindowSecond],
			Minute: defaults[ratelimit.WindowMinute],
			Hour:   defaults[ratelimit.WindowHour],
			Day:    defaults[ratelimit.WindowDay],
		}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 1 * time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Run.Checkpoint == "" && c.Run.Output != "" {
		c.Run.Checkpoint = c.Run.Output + ".checkpoint"
	}
	if c.Run.CheckpointInterval == 0 {
		c.Run.CheckpointInterval = 1000
	}
	if c.Run.ProgressInterval == 0 {
		c.Run.ProgressInterval = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that the configuration describes a runnable job.
func (c *Config) Validate() error {
	if len(c.API.Tokens) == 0 {
		return fmt.Errorf("config: api.tokens must list at least one token")
	}
	for i, token := range c.API.Tokens {
		if strings.TrimSpace(token) == "" {
			return fmt.Errorf("config: api.tokens[%d] is empty (unset environment variable?)", i)
		}
	}
	if c.Run.Dataset == "" {
		return fmt.Errorf("config: run.dataset is required")
	}
	if c.Run.Output == "" {
		return fmt.Errorf("config: run.output is required")
	}
	if c.Run.Workers < 0 {
		return fmt.Errorf("config: run.workers must not be negative")
	}
	if err := c.RateLimits.Limits().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
