// Package config provides host configuration loaded from environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// LocalDevChildOrigin is the child origin used when LOCAL_DEV_MODE is set.
const LocalDevChildOrigin = "http://localhost:5173"

// Config holds officex-host configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL. The browser shim relays postMessage traffic over it.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"officex-host"`
	// FrameID names the iframe this host drives; it is part of every frame subject.
	FrameID string `envconfig:"FRAME_ID" default:"demo"`

	// Child
	ChildOrigin   string `envconfig:"CHILD_ORIGIN" default:"https://officex.app"`
	LocalDevMode  bool   `envconfig:"LOCAL_DEV_MODE" default:"false"`
	HostPublicURL string `envconfig:"HOST_PUBLIC_URL" default:"http://localhost:8080"`
	ProfileFile   string `envconfig:"HOST_PROFILE_FILE"`
	// DefaultHost is used for granted sessions whose grant did not name a host.
	DefaultHost string `envconfig:"OFFICEX_DEFAULT_HOST" default:"https://officex.otterpad.cc"`

	// Protocol timing
	ResponseTimeout         time.Duration `envconfig:"RESPONSE_TIMEOUT" default:"30s"`
	InitRetryMaxAttempts    int           `envconfig:"INIT_RETRY_MAX_ATTEMPTS" default:"0"`
	InitRetryDelay          time.Duration `envconfig:"INIT_RETRY_DELAY" default:"2s"`
	ChildProtocolConstraint string        `envconfig:"CHILD_PROTOCOL_CONSTRAINT"`

	// Database (optional; without it sessions and grants are kept in memory)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP (HOST_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"HOST_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Platform REST API
	PlatformURL   string `envconfig:"PLATFORM_URL"`
	FactoryAPIKey string `envconfig:"FACTORY_API_KEY"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EffectiveChildOrigin is the origin the child is loaded from and messages are checked against.
func (c *Config) EffectiveChildOrigin() string {
	if c.LocalDevMode {
		return LocalDevChildOrigin
	}
	return c.ChildOrigin
}

// ValidateForServe checks required config when running the host server.
func (c *Config) ValidateForServe() error {
	if strings.TrimSpace(c.FrameID) == "" {
		return fmt.Errorf("%s - FRAME_ID is required for serve", logPrefix)
	}
	if strings.ContainsAny(c.FrameID, ".*> ") {
		return fmt.Errorf("%s - FRAME_ID %q must not contain subject separators or wildcards", logPrefix, c.FrameID)
	}
	if err := validateOrigin("CHILD_ORIGIN", c.EffectiveChildOrigin()); err != nil {
		return err
	}
	if _, err := url.ParseRequestURI(c.HostPublicURL); err != nil {
		return fmt.Errorf("%s - HOST_PUBLIC_URL is invalid: %w", logPrefix, err)
	}
	if c.ResponseTimeout < 0 {
		return fmt.Errorf("%s - RESPONSE_TIMEOUT must not be negative", logPrefix)
	}
	if c.InitRetryMaxAttempts < 0 {
		return fmt.Errorf("%s - INIT_RETRY_MAX_ATTEMPTS must not be negative", logPrefix)
	}
	if c.InitRetryMaxAttempts > 0 && c.InitRetryDelay <= 0 {
		return fmt.Errorf("%s - INIT_RETRY_DELAY must be positive when retries are enabled", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.RunMigrations && c.DatabaseURL == "" {
		return fmt.Errorf("%s - RUN_MIGRATIONS needs DATABASE_URL", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// ValidateForPlatform checks required config for commands that call the platform REST API.
func (c *Config) ValidateForPlatform() error {
	if c.PlatformURL == "" {
		return fmt.Errorf("%s - PLATFORM_URL is required", logPrefix)
	}
	return nil
}

func validateOrigin(name, origin string) error {
	if origin == "" || origin == "*" {
		return fmt.Errorf("%s - %s must be a concrete origin", logPrefix, name)
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s - %s %q is not an origin", logPrefix, name, origin)
	}
	return nil
}
