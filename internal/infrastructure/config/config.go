package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Host    HostConfig
	Bridge  BridgeConfig
	Monitor MonitorConfig
	Logging LogConfig
}

// ServerConfig holds the remote terminal server configuration.
type ServerConfig struct {
	Port              string `envconfig:"PORT" default:"3001"`
	Host              string `envconfig:"HOST" default:"0.0.0.0"`
	RequestsPerSecond int    `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int    `envconfig:"RATE_LIMIT_BURST" default:"200"`
	RateLimitEnabled  bool   `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// HostConfig holds terminal host process configuration.
type HostConfig struct {
	// BinaryPath is the termhost executable the manager forks. Empty
	// resolves "termhost" on PATH.
	BinaryPath     string        `envconfig:"TERMHOST_PATH" default:""`
	RestartDelay   time.Duration `envconfig:"TERMHOST_RESTART_DELAY" default:"1s"`
	ChunkSize      int           `envconfig:"TERMHOST_CHUNK_SIZE" default:"1024"`
	StormThreshold int           `envconfig:"TERMHOST_STORM_THRESHOLD" default:"5"`
}

// BridgeConfig holds channel bridge configuration.
type BridgeConfig struct {
	MaxReconnectAttempts int           `envconfig:"BRIDGE_MAX_RECONNECTS" default:"5"`
	BaseReconnectDelay   time.Duration `envconfig:"BRIDGE_BASE_DELAY" default:"1s"`
	MaxReconnectDelay    time.Duration `envconfig:"BRIDGE_MAX_DELAY" default:"10s"`
	QueueSize            int           `envconfig:"BRIDGE_QUEUE_SIZE" default:"256"`
}

// MonitorConfig holds performance monitor configuration.
type MonitorConfig struct {
	SampleInterval time.Duration `envconfig:"MONITOR_INTERVAL" default:"5s"`
	MaxHistory     int           `envconfig:"MONITOR_MAX_HISTORY" default:"100"`
	MaxAlerts      int           `envconfig:"MONITOR_MAX_ALERTS" default:"50"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "3001",
			Host:              "0.0.0.0",
			RequestsPerSecond: 100,
			Burst:             200,
			RateLimitEnabled:  true,
		},
		Host: HostConfig{
			RestartDelay:   time.Second,
			ChunkSize:      1024,
			StormThreshold: 5,
		},
		Bridge: BridgeConfig{
			MaxReconnectAttempts: 5,
			BaseReconnectDelay:   time.Second,
			MaxReconnectDelay:    10 * time.Second,
			QueueSize:            256,
		},
		Monitor: MonitorConfig{
			SampleInterval: 5 * time.Second,
			MaxHistory:     100,
			MaxAlerts:      50,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
