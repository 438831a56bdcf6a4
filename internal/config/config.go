package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime settings for the monitor and its CLI.
type Config struct {
	// ServerURL is the base URL of the orchestration backend.
	ServerURL string `mapstructure:"server_url"`

	Log    LogConfig    `mapstructure:"log"`
	Stream StreamConfig `mapstructure:"stream"`

	// DAGCacheSize bounds the per-workflow DAG definition cache.
	DAGCacheSize int `mapstructure:"dag_cache_size"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StreamConfig tunes the run event stream reconnect policy.
type StreamConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL: "http://localhost:8900",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Stream: StreamConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2,
			DialTimeout:    10 * time.Second,
		},
		DAGCacheSize: 32,
	}
}

// Load reads configuration from file and environment on top of defaults.
// An explicit path wins over the search path; a missing config file is not
// an error, a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("server_url", defaults.ServerURL)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)
	v.SetDefault("stream.initial_backoff", defaults.Stream.InitialBackoff)
	v.SetDefault("stream.max_backoff", defaults.Stream.MaxBackoff)
	v.SetDefault("stream.backoff_factor", defaults.Stream.BackoffFactor)
	v.SetDefault("stream.dial_timeout", defaults.Stream.DialTimeout)
	v.SetDefault("dag_cache_size", defaults.DAGCacheSize)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/runwatch")
	}

	v.SetEnvPrefix("RUNWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail far from their source.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}
	if c.Stream.BackoffFactor < 1 {
		return fmt.Errorf("config: stream.backoff_factor must be >= 1, got %v", c.Stream.BackoffFactor)
	}
	if c.Stream.InitialBackoff <= 0 {
		return fmt.Errorf("config: stream.initial_backoff must be positive, got %v", c.Stream.InitialBackoff)
	}
	if c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		return fmt.Errorf("config: stream.max_backoff must be >= stream.initial_backoff")
	}
	if c.DAGCacheSize <= 0 {
		return fmt.Errorf("config: dag_cache_size must be positive, got %d", c.DAGCacheSize)
	}
	return nil
}
