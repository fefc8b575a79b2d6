// ABOUTME: YAML configuration for runs: logs root, retry policy, timeouts, interviewer and backend choice.
// ABOUTME: File values layer over defaults; flags layer over the file at the CLI boundary.
package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk run configuration.
type Config struct {
	LogsRoot       string      `yaml:"logs_root"`
	PipelineID     string      `yaml:"pipeline_id"`
	Checkpoints    bool        `yaml:"checkpoints"`
	StageTimeoutMS int         `yaml:"stage_timeout_ms"`
	MaxParallel    int         `yaml:"max_parallel"`
	Retry          RetryConfig `yaml:"retry"`
	Interviewer    string      `yaml:"interviewer"`

	Server ServerConfig `yaml:"server"`
}

// RetryConfig is the YAML shape of a RetryPolicy.
type RetryConfig struct {
	MaxRetries     int     `yaml:"max_retries"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	Factor         float64 `yaml:"factor"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Jitter         *bool   `yaml:"jitter"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		LogsRoot:    "basin-logs",
		Checkpoints: true,
		Retry: RetryConfig{
			MaxRetries:     DefaultMaxRetries,
			InitialDelayMS: 200,
			Factor:         2.0,
			MaxDelayMS:     60000,
		},
		Interviewer: "console",
		Server: ServerConfig{
			Addr:   ":8080",
			DBPath: "basin.db",
		},
	}
}

// LoadConfig reads a YAML config file layered over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// RetryPolicy converts the YAML retry section.
func (c Config) RetryPolicy() RetryPolicy {
	backoff := DefaultBackoff()
	if c.Retry.InitialDelayMS > 0 {
		backoff.InitialDelay = time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
	}
	if c.Retry.Factor > 0 {
		backoff.Factor = c.Retry.Factor
	}
	if c.Retry.MaxDelayMS > 0 {
		backoff.MaxDelay = time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
	}
	if c.Retry.Jitter != nil {
		backoff.Jitter = *c.Retry.Jitter
	}
	return RetryPolicy{MaxRetries: c.Retry.MaxRetries, Backoff: backoff}
}

// RunnerConfig converts the file configuration into runner settings.
// Interviewer, backend, and event sink wiring stay with the caller.
func (c Config) RunnerConfig() RunnerConfig {
	return RunnerConfig{
		LogsRoot:     c.LogsRoot,
		PipelineID:   c.PipelineID,
		Checkpoints:  c.Checkpoints,
		StageTimeout: time.Duration(c.StageTimeoutMS) * time.Millisecond,
		MaxParallel:  c.MaxParallel,
		Retry:        c.RetryPolicy(),
	}
}
