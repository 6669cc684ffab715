// Package config provides configuration management for the trade
// lifecycle engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding setting is unset.
const (
	defaultInterval      = "1s"
	defaultDispatchPause = "1s"
	defaultMaxAttempts   = 3
	defaultListenAddr    = ":8080"
	defaultBrokerBaseURL = "https://paper-api.alpaca.markets"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Store       StoreConfig       `yaml:"store"`
	Broker      BrokerConfig      `yaml:"broker"`
	Loop        LoopConfig        `yaml:"loop"`
	Stream      StreamConfig      `yaml:"stream"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogJSON  bool   `yaml:"log_json"`
}

// StoreConfig defines the shared REST store settings.
type StoreConfig struct {
	BaseURL string `yaml:"base_url"` // e.g. https://xyz.supabase.co/rest/v1
	APIKey  string `yaml:"api_key"`
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	BaseURL   string `yaml:"base_url"` // e.g. https://paper-api.alpaca.markets
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// LoopConfig defines loop cadence and the submit retry budget.
type LoopConfig struct {
	Interval      string `yaml:"interval"`       // tick interval, duration string
	DispatchPause string `yaml:"dispatch_pause"` // pause after a dispatch
	MaxAttempts   int    `yaml:"max_attempts"`   // soft-failure submit budget
}

// StreamConfig controls the optional trade-updates listener.
type StreamConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DashboardConfig controls the status HTTP server.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
// Environment variables referenced as ${VAR} in the file are expanded
// before parsing.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// FromEnv builds a configuration from environment variables alone, for
// deployments that run without a config file.
func FromEnv() (*Config, error) {
	config := Config{
		Environment: EnvironmentConfig{
			LogLevel: os.Getenv("LOG_LEVEL"),
			LogJSON:  strings.EqualFold(os.Getenv("LOG_JSON"), "true"),
		},
		Store: StoreConfig{
			BaseURL: os.Getenv("SUPABASE_URL"),
			APIKey:  os.Getenv("SUPABASE_KEY"),
		},
		Broker: BrokerConfig{
			BaseURL:   os.Getenv("ALPACA_BASE_URL"),
			APIKey:    os.Getenv("ALPACA_KEY"),
			APISecret: os.Getenv("ALPACA_SECRET"),
		},
		Loop: LoopConfig{
			Interval: os.Getenv("TRADE_MANAGER_INTERVAL"),
		},
		Stream: StreamConfig{
			Enabled: strings.EqualFold(os.Getenv("TRADE_UPDATES_STREAM"), "true"),
		},
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate checks all configuration values and fills in defaults.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Environment.LogLevel) {
	case "":
		c.Environment.LogLevel = "info"
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	if c.Store.BaseURL == "" {
		return fmt.Errorf("store.base_url is required")
	}
	if c.Store.APIKey == "" {
		return fmt.Errorf("store.api_key is required")
	}

	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = defaultBrokerBaseURL
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.APISecret == "" {
		return fmt.Errorf("broker.api_secret is required")
	}

	if c.Loop.Interval == "" {
		c.Loop.Interval = defaultInterval
	}
	if _, err := time.ParseDuration(c.Loop.Interval); err != nil {
		return fmt.Errorf("loop.interval invalid: %w", err)
	}
	if c.Loop.DispatchPause == "" {
		c.Loop.DispatchPause = defaultDispatchPause
	}
	if _, err := time.ParseDuration(c.Loop.DispatchPause); err != nil {
		return fmt.Errorf("loop.dispatch_pause invalid: %w", err)
	}
	if c.Loop.MaxAttempts == 0 {
		c.Loop.MaxAttempts = defaultMaxAttempts
	}
	if c.Loop.MaxAttempts < 0 {
		return fmt.Errorf("loop.max_attempts must be > 0")
	}

	if c.Dashboard.Enabled && c.Dashboard.ListenAddr == "" {
		c.Dashboard.ListenAddr = defaultListenAddr
	}

	return nil
}

// Interval returns the parsed loop tick interval.
func (c *Config) Interval() time.Duration {
	d, err := time.ParseDuration(c.Loop.Interval)
	if err != nil {
		return time.Second
	}
	return d
}

// DispatchPause returns the parsed post-dispatch pause.
func (c *Config) DispatchPause() time.Duration {
	d, err := time.ParseDuration(c.Loop.DispatchPause)
	if err != nil {
		return time.Second
	}
	return d
}
