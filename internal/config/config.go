// Package config loads the YAML configuration shared by the matching daemon
// and the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opaque/admatch/pkg/crypto"
	"github.com/opaque/admatch/pkg/profile"
)

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the top-level configuration file.
type Config struct {
	Crypto  CryptoConfig  `yaml:"crypto"`
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
}

// CryptoConfig selects the profile width and ring parameters.
type CryptoConfig struct {
	Preset string `yaml:"preset"`
	Width  int    `yaml:"width"`
}

// ServerConfig configures the gRPC and HTTP listeners.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	HTTPPort        int           `yaml:"http_port"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig configures evaluation key sessions.
type SessionConfig struct {
	MaxTTL               time.Duration `yaml:"max_ttl"`
	Evaluators           int           `yaml:"evaluators"`
	MaxConcurrentMatches int           `yaml:"max_concurrent_matches"`
}

// StoreConfig selects the campaign store. An empty Path keeps campaigns in
// memory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Crypto: CryptoConfig{
			Preset: crypto.PN13.String(),
			Width:  256,
		},
		Server: ServerConfig{
			Port:            50051,
			HTTPPort:        8080,
			MaxMessageBytes: 50 * 1024 * 1024,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			MaxTTL:               24 * time.Hour,
			Evaluators:           runtime.NumCPU(),
			MaxConcurrentMatches: 16,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path and fills unset fields from Default. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if _, err := c.Parameters(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", ErrInvalid, c.Server.Port)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("%w: server.tls_cert and server.tls_key must be set together", ErrInvalid)
	}
	if c.Session.MaxTTL <= 0 {
		return fmt.Errorf("%w: session.max_ttl must be positive", ErrInvalid)
	}
	if c.Session.Evaluators < 1 || c.Session.MaxConcurrentMatches < 1 {
		return fmt.Errorf("%w: session.evaluators and session.max_concurrent_matches must be at least 1", ErrInvalid)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Parameters builds the crypto parameters named by the configuration.
func (c Config) Parameters() (crypto.Parameters, error) {
	preset, err := crypto.ParsePreset(c.Crypto.Preset)
	if err != nil {
		return crypto.Parameters{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Crypto.Width < 1 || c.Crypto.Width > profile.MaxWidth {
		return crypto.Parameters{}, fmt.Errorf("%w: crypto.width %d", ErrInvalid, c.Crypto.Width)
	}
	params, err := crypto.NewParameters(preset, c.Crypto.Width)
	if err != nil {
		return crypto.Parameters{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return params, nil
}

// NewLogger builds a logger from the log section.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
