package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the whole service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	SSE       SSEConfig       `yaml:"sse"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	TestPage  TestPageConfig  `yaml:"test_page"`
	Log       LogConfig       `yaml:"log"`
	Version   string          `yaml:"version"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Name string `yaml:"name"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // upper bound for draining in-flight streams
}

// SSEConfig configures event streams.
type SSEConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// WebSocketConfig configures duplex connections.
type WebSocketConfig struct {
	Path              string        `yaml:"path"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	CloseGracePeriod  time.Duration `yaml:"close_grace_period"` // how long a peer gets to answer a shutdown close frame
	RepliesFile       string        `yaml:"replies_file"`
}

// TestPageConfig points at the browser test page served on /ws-test.
type TestPageConfig struct {
	File string `yaml:"file"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Name:            "StreamMockServer",
			ReadTimeout:     10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		SSE: SSEConfig{
			HeartbeatInterval: 2 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Path:              "/ws",
			HeartbeatInterval: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			CloseGracePeriod:  time.Second,
		},
		TestPage: TestPageConfig{
			File: "web/ws-test.html",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Version: "1.0.0",
	}
}

// Load builds the configuration: defaults, then the optional YAML file, then
// the optional .env file, then environment variables.
func Load(configPath, envFile string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		payload, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(payload, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if envFile != "" {
		// Variables already present in the environment win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if host := os.Getenv("HOST"); host != "" {
		c.Server.Host = host
	}
	if value := os.Getenv("PORT"); value != "" {
		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", value, err)
		}
		c.Server.Port = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.SSE.HeartbeatInterval <= 0 {
		return fmt.Errorf("sse heartbeat interval must be positive, got %s", c.SSE.HeartbeatInterval)
	}
	if c.WebSocket.HeartbeatInterval <= 0 {
		return fmt.Errorf("websocket heartbeat interval must be positive, got %s", c.WebSocket.HeartbeatInterval)
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("websocket path must start with '/', got %q", c.WebSocket.Path)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout must not be negative, got %s", c.Server.ShutdownTimeout)
	}
	return nil
}

// Address returns the host:port the server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
