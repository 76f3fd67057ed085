// Package config handles sync-core configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds all sync-core configuration.
type Config struct {
	// Connection
	GatewayURL string // websocket URL (ws:// or wss://)
	APIURL     string // REST base URL
	Token      string // bearer token used for the auth handshake

	// Connection behavior
	HeartbeatInterval time.Duration // how often to send ping commands
	PongTimeout       time.Duration // inbound silence treated as a drop
	HandshakeTimeout  time.Duration // transport open + auth ack budget
	ReconnectBase     time.Duration // initial reconnect backoff delay
	ReconnectMax      time.Duration // backoff cap
	ReconnectAttempts int           // attempts before giving up

	// REST behavior
	RequestTimeout time.Duration

	// Cache behavior
	StaleTime    time.Duration // default per-query-key stale time
	SnapshotPath string        // sqlite snapshot file, empty disables persistence

	// Daemon
	StatusAddr string // diagnostics HTTP listen address
	LogLevel   string // debug, info, warn, error
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 25 * time.Second,
		PongTimeout:       45 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 10,
		RequestTimeout:    15 * time.Second,
		StaleTime:         30 * time.Second,
		StatusAddr:        "127.0.0.1:7390",
		LogLevel:          "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.GatewayURL = os.Getenv("NIGHTDESK_GATEWAY_URL")
	if cfg.GatewayURL == "" {
		return nil, errors.New("NIGHTDESK_GATEWAY_URL is required")
	}

	cfg.APIURL = os.Getenv("NIGHTDESK_API_URL")
	if cfg.APIURL == "" {
		return nil, errors.New("NIGHTDESK_API_URL is required")
	}

	cfg.Token = os.Getenv("NIGHTDESK_TOKEN")
	if cfg.Token == "" {
		return nil, errors.New("NIGHTDESK_TOKEN is required")
	}

	// Optional
	if v := os.Getenv("NIGHTDESK_HEARTBEAT_INTERVAL"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("NIGHTDESK_HEARTBEAT_INTERVAL must be a number (seconds)")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("NIGHTDESK_PONG_TIMEOUT"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("NIGHTDESK_PONG_TIMEOUT must be a number (seconds)")
		}
		cfg.PongTimeout = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("NIGHTDESK_RECONNECT_ATTEMPTS"); v != "" {
		attempts, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("NIGHTDESK_RECONNECT_ATTEMPTS must be a number")
		}
		cfg.ReconnectAttempts = attempts
	}

	if v := os.Getenv("NIGHTDESK_STALE_TIME"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("NIGHTDESK_STALE_TIME must be a number (seconds)")
		}
		cfg.StaleTime = time.Duration(seconds) * time.Second
	}

	cfg.SnapshotPath = os.Getenv("NIGHTDESK_SNAPSHOT_PATH")

	if addr := os.Getenv("NIGHTDESK_STATUS_ADDR"); addr != "" {
		cfg.StatusAddr = addr
	}

	if level := os.Getenv("NIGHTDESK_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return errors.New("gateway URL is required")
	}
	if c.APIURL == "" {
		return errors.New("API URL is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.PongTimeout <= c.HeartbeatInterval {
		return errors.New("pong timeout must exceed the heartbeat interval")
	}
	if c.ReconnectAttempts < 1 {
		return errors.New("reconnect attempts must be at least 1")
	}
	return nil
}
