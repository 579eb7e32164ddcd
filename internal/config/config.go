// Package config handles client-side configuration from environment
// variables, shared by the device simulator and the terminal viewer.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config holds client configuration.
type Config struct {
	// Connection
	ServerURL string // WebSocket URL (ws:// or wss://)
	Token     string // device bearer token or viewer JWT

	// Identity / binding
	DeviceID  string // devices: own id; viewers: device of interest
	StationID int64  // viewers: station of interest

	// Device simulator behavior
	FrameInterval time.Duration // how often to emit synthetic camera frames

	LogLevel string
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		FrameInterval: 200 * time.Millisecond,
		LogLevel:      "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.ServerURL = os.Getenv("STATIONHUB_URL")
	if cfg.ServerURL == "" {
		return nil, errors.New("STATIONHUB_URL is required")
	}

	cfg.Token = os.Getenv("STATIONHUB_TOKEN")
	if cfg.Token == "" {
		return nil, errors.New("STATIONHUB_TOKEN is required")
	}

	cfg.DeviceID = os.Getenv("STATIONHUB_DEVICE_ID")

	if v := os.Getenv("STATIONHUB_STATION_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.New("STATIONHUB_STATION_ID must be a number")
		}
		cfg.StationID = id
	}

	if v := os.Getenv("STATIONHUB_FRAME_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.New("STATIONHUB_FRAME_INTERVAL must be a duration like 200ms")
		}
		cfg.FrameInterval = d
	}

	if level := os.Getenv("STATIONHUB_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}
