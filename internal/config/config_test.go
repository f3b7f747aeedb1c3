package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/signeo-mcp/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "signeo-mcp.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()

	if cfg.Listen != ":3001" {
		t.Errorf("expected listen :3001, got %s", cfg.Listen)
	}
	if cfg.Credential.Scope != "shared" {
		t.Errorf("expected shared credential scope, got %s", cfg.Credential.Scope)
	}
	if cfg.Session.IdleTimeout != 30*time.Minute {
		t.Errorf("expected 30m idle timeout, got %s", cfg.Session.IdleTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to be valid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("failed to load config: %v", err)
		}
		if cfg.Listen != config.Default().Listen {
			t.Errorf("expected defaults, got %+v", cfg)
		}
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
listen: ":8080"
database:
  path: /var/lib/signeo/tools.db
session:
  idle_timeout: 10m
registry:
  resync: "*/15 * * * *"
credential:
  scope: session
downstream:
  timeout: 5s
log:
  level: debug
  format: json
`)
		cfg, err := config.Load(path)
		if err != nil {
			t.Fatalf("failed to load config: %v", err)
		}

		if cfg.Listen != ":8080" {
			t.Errorf("got listen %q", cfg.Listen)
		}
		if cfg.Database.Path != "/var/lib/signeo/tools.db" {
			t.Errorf("got database path %q", cfg.Database.Path)
		}
		if cfg.Session.IdleTimeout != 10*time.Minute {
			t.Errorf("got idle timeout %s", cfg.Session.IdleTimeout)
		}
		if cfg.Downstream.Timeout != 5*time.Second {
			t.Errorf("got downstream timeout %s", cfg.Downstream.Timeout)
		}
		if cfg.Credential.Scope != "session" {
			t.Errorf("got credential scope %q", cfg.Credential.Scope)
		}
		// Unset fields keep their defaults.
		if cfg.Registry.RetryMaxElapsed != 30*time.Second {
			t.Errorf("got retry max elapsed %s", cfg.Registry.RetryMaxElapsed)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected valid config: %v", err)
		}
	})

	t.Run("malformed file", func(t *testing.T) {
		if _, err := config.Load(writeConfig(t, "listen: [")); err == nil {
			t.Errorf("expected parse error")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("SIGNEO_APP_BASE_URL", "http://app.local")
	t.Setenv("SIGNEO_SYS_BASE_URL", "http://sys.local")
	t.Setenv("SIGNEO_DB_PATH", "/tmp/x.db")
	t.Setenv("SIGNEO_CREDENTIAL_SCOPE", "session")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	cfg := config.Default()
	cfg.ApplyEnv()

	got := []string{cfg.Listen, cfg.AppBaseURL, cfg.SysBaseURL, cfg.Database.Path, cfg.Credential.Scope, cfg.Telemetry.OTLPEndpoint}
	want := []string{":4000", "http://app.local", "http://sys.local", "/tmp/x.db", "session", "localhost:4318"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("field %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "bad scope", mutate: func(c *config.Config) { c.Credential.Scope = "global" }, wantErr: "credential.scope"},
		{name: "bad schedule", mutate: func(c *config.Config) { c.Registry.Resync = "every now and then" }, wantErr: "registry.resync"},
		{name: "bad level", mutate: func(c *config.Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
		{name: "bad format", mutate: func(c *config.Config) { c.Log.Format = "xml" }, wantErr: "log.format"},
		{name: "zero timeout", mutate: func(c *config.Config) { c.Downstream.Timeout = 0 }, wantErr: "downstream.timeout"},
		{name: "no database", mutate: func(c *config.Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "disabled resync", mutate: func(c *config.Config) { c.Registry.Resync = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	level, err := config.LogConfig{Level: "warn"}.SlogLevel()
	if err != nil {
		t.Fatalf("failed to parse level: %v", err)
	}
	if level != slog.LevelWarn {
		t.Errorf("got %s, want %s", level, slog.LevelWarn)
	}
}
