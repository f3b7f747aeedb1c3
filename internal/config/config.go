// Package config loads the signeo-mcp server configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MegaGrindStone/signeo-mcp/credential"
	"github.com/MegaGrindStone/signeo-mcp/registry"
	"github.com/MegaGrindStone/signeo-mcp/servers/signeo"
)

// Config represents signeo-mcp.yaml.
type Config struct {
	Listen     string           `yaml:"listen"`
	AppBaseURL string           `yaml:"app_base_url"`
	SysBaseURL string           `yaml:"sys_base_url"`
	Database   DatabaseConfig   `yaml:"database"`
	Session    SessionConfig    `yaml:"session"`
	Registry   RegistryConfig   `yaml:"registry"`
	Credential CredentialConfig `yaml:"credential"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Log        LogConfig        `yaml:"log"`
	CORS       CORSConfig       `yaml:"cors"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig tunes MCP session lifetime.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RegistryConfig tunes the description registry watcher.
type RegistryConfig struct {
	Resync          string        `yaml:"resync"`
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
}

// CredentialConfig selects how login credentials are shared.
type CredentialConfig struct {
	Scope string `yaml:"scope"` // shared, session
}

// DownstreamConfig tunes calls to the Signeo system.
type DownstreamConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures OpenTelemetry export. An empty endpoint disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// CORSConfig configures the browser-facing routes.
type CORSConfig struct {
	AllowedOrigin string `yaml:"allowed_origin"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listen:     ":3001",
		AppBaseURL: signeo.DefaultAppBaseURL,
		SysBaseURL: signeo.DefaultSysBaseURL,
		Database:   DatabaseConfig{Path: "signeo.db"},
		Session:    SessionConfig{IdleTimeout: 30 * time.Minute},
		Registry: RegistryConfig{
			Resync:          "@every 5m",
			RetryMaxElapsed: 30 * time.Second,
		},
		Credential: CredentialConfig{Scope: credential.ScopeShared},
		Downstream: DownstreamConfig{Timeout: 30 * time.Second},
		Telemetry:  TelemetryConfig{ServiceName: "signeo-mcp"},
		Log:        LogConfig{Level: "info", Format: "text"},
		CORS:       CORSConfig{AllowedOrigin: "*"},
	}
}

// Load reads the file at path over the defaults. An empty or missing path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.Listen = ":" + strings.TrimPrefix(port, ":")
	}
	set("SIGNEO_APP_BASE_URL", &c.AppBaseURL)
	set("SIGNEO_SYS_BASE_URL", &c.SysBaseURL)
	set("SIGNEO_DB_PATH", &c.Database.Path)
	set("SIGNEO_CREDENTIAL_SCOPE", &c.Credential.Scope)
	set("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout must be positive, got %s", c.Session.IdleTimeout))
	}
	if c.Downstream.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("downstream.timeout must be positive, got %s", c.Downstream.Timeout))
	}
	if c.Registry.RetryMaxElapsed <= 0 {
		errs = append(errs, fmt.Errorf("registry.retry_max_elapsed must be positive, got %s", c.Registry.RetryMaxElapsed))
	}
	if err := registry.ValidateSchedule(c.Registry.Resync); err != nil {
		errs = append(errs, fmt.Errorf("registry.resync: %w", err))
	}
	switch c.Credential.Scope {
	case credential.ScopeShared, credential.ScopeSession:
	default:
		errs = append(errs, fmt.Errorf("credential.scope must be %q or %q, got %q",
			credential.ScopeShared, credential.ScopeSession, c.Credential.Scope))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
