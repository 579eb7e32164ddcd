// Package broker implements the device relay and session broker.
package broker

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds broker configuration. Values come from an optional YAML
// file with STATIONHUB_* environment variables taking precedence.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen_addr"`

	// Database
	DatabasePath string `yaml:"database_path"`

	// Authentication material. Token issuance happens elsewhere; the
	// broker only verifies.
	DeviceToken       string `yaml:"device_token"`        // shared bearer token devices present
	ViewerTokenSecret string `yaml:"viewer_token_secret"` // HS256 secret for viewer JWTs

	// Session
	SessionDuration time.Duration `yaml:"session_duration"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8000",
		DatabasePath:    "stationhub.db",
		SessionDuration: DefaultSessionDuration,
		LogLevel:        "info",
	}
}

// LoadConfig reads the YAML file at path (skipped when path is empty or the
// file does not exist) and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	cfg.ListenAddr = getEnv("STATIONHUB_LISTEN", cfg.ListenAddr)
	cfg.DatabasePath = getEnv("STATIONHUB_DB", cfg.DatabasePath)
	cfg.DeviceToken = getEnv("STATIONHUB_DEVICE_TOKEN", cfg.DeviceToken)
	cfg.ViewerTokenSecret = getEnv("STATIONHUB_VIEWER_SECRET", cfg.ViewerTokenSecret)
	cfg.LogLevel = getEnv("STATIONHUB_LOG_LEVEL", cfg.LogLevel)

	if v := os.Getenv("STATIONHUB_SESSION_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.New("STATIONHUB_SESSION_DURATION must be a duration like 5m")
		}
		cfg.SessionDuration = d
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.DeviceToken == "" {
		return errors.New("device token is required")
	}
	if c.ViewerTokenSecret == "" {
		return errors.New("viewer token secret is required")
	}
	if c.SessionDuration < time.Second {
		return errors.New("session duration must be at least 1 second")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
