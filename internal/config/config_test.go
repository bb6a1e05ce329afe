package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 4141 {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Storage.Path == "" {
		t.Fatal("expected a default storage path")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
[server]
port = 5252

[logging]
level = "debug"

[[providers]]
name = "anthropic"
dialect = "anthropic"
base_url = "https://api.anthropic.com"
requests_per_second = 2.5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 5252 {
		t.Fatalf("expected file port override, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected default host preserved, got %q", cfg.Server.Host)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Dialect != "anthropic" {
		t.Fatalf("unexpected providers: %+v", cfg.Providers)
	}
	if cfg.Providers[0].RequestsPerSecond != 2.5 {
		t.Fatalf("unexpected rate: %v", cfg.Providers[0].RequestsPerSecond)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "[server]\nport = 5252\n")
	t.Setenv("POLYBRIDGE_SERVER__PORT", "6363")
	t.Setenv("POLYBRIDGE_LOGGING__FORMAT", "json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 6363 {
		t.Fatalf("expected env port override, got %d", cfg.Server.Port)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected env format override, got %q", cfg.Logging.Format)
	}
}

func TestLoadRejectsUnknownDialect(t *testing.T) {
	path := writeConfigFile(t, `
[[providers]]
name = "x"
dialect = "cohere"
base_url = "https://example.com"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
