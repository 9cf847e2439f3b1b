// Package api provides the HTTP server: the websocket stream endpoint and the
// administrative JSON surface for identities, the detector threshold and the
// identity cache.
package api

import (
	"fmt"
	"time"

	"github.com/presencewatch/presence-go/internal/conf"
)

// Default constants for the HTTP server.
const (
	DefaultListen          = ":8000"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBodyLimit       = "1M"
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen         string
	AllowedOrigins []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BodyLimit string // e.g. "1M"

	// PersistSettings writes confidence changes back to ConfigFile
	PersistSettings bool
	ConfigFile      string
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          DefaultListen,
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		BodyLimit:       DefaultBodyLimit,
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	if settings == nil {
		return cfg
	}
	if settings.WebServer.Listen != "" {
		cfg.Listen = settings.WebServer.Listen
	}
	if len(settings.WebServer.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = settings.WebServer.AllowedOrigins
	}
	cfg.PersistSettings = settings.WebServer.PersistSettings
	cfg.ConfigFile = settings.ConfigFile
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.PersistSettings && c.ConfigFile == "" {
		return fmt.Errorf("persisting settings requires a config file path")
	}
	return nil
}
