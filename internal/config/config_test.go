package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearLaunchEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvironmentVar, "PORT", "WORKERS", "METRICS_ADDR", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaultsToDevelopment(t *testing.T) {
	clearLaunchEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Mode != Development {
		t.Fatalf("expected development mode, got %s", cfg.Mode)
	}
	if cfg.Port != 8000 {
		t.Fatalf("expected port 8000, got %d", cfg.Port)
	}
	if !cfg.Reload {
		t.Fatalf("expected reload enabled in development")
	}
	if cfg.Workers != 1 {
		t.Fatalf("expected a single worker, got %d", cfg.Workers)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug logging, got %s", cfg.LogLevel)
	}
	if cfg.Host != "0.0.0.0" {
		t.Fatalf("expected all interfaces, got %s", cfg.Host)
	}
	if cfg.App != DefaultApp {
		t.Fatalf("expected default app, got %s", cfg.App)
	}
}

func TestLoadProductionDefaults(t *testing.T) {
	clearLaunchEnv(t)
	t.Setenv(EnvironmentVar, "production")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Mode != Production {
		t.Fatalf("expected production mode, got %s", cfg.Mode)
	}
	if cfg.Port != 8000 || cfg.Workers != 4 {
		t.Fatalf("expected port 8000 and 4 workers, got %d and %d", cfg.Port, cfg.Workers)
	}
	if cfg.Reload {
		t.Fatalf("expected reload disabled in production")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected info logging, got %s", cfg.LogLevel)
	}
	if !cfg.AccessLog {
		t.Fatalf("expected access log enabled in production")
	}
	if cfg.Addr() != "0.0.0.0:8000" {
		t.Fatalf("unexpected addr %s", cfg.Addr())
	}
}

func TestLoadProductionPassesPortAndWorkersThrough(t *testing.T) {
	clearLaunchEnv(t)
	t.Setenv(EnvironmentVar, "production")
	t.Setenv("PORT", "9090")
	t.Setenv("WORKERS", "2")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Workers)
	}
	if !cfg.Supervised() {
		t.Fatalf("expected multiple workers to require a supervisor")
	}
}

func TestLoadDevelopmentIgnoresPort(t *testing.T) {
	clearLaunchEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("WORKERS", "8")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 8000 {
		t.Fatalf("expected development to keep port 8000, got %d", cfg.Port)
	}
	if cfg.Workers != 1 {
		t.Fatalf("expected development to keep one worker, got %d", cfg.Workers)
	}
}

func TestLoadRejectsInvalidProductionValues(t *testing.T) {
	cases := map[string]map[string]string{
		"non-integer port":    {"PORT": "eighty"},
		"port out of range":   {"PORT": "70000"},
		"zero port":           {"PORT": "0"},
		"non-integer workers": {"WORKERS": "many"},
		"zero workers":        {"WORKERS": "0"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearLaunchEnv(t)
			t.Setenv(EnvironmentVar, "production")
			for k, v := range env {
				t.Setenv(k, v)
			}

			if _, err := Load(nil); err == nil {
				t.Fatalf("expected error for %v", env)
			}
		})
	}
}

func TestLoadYAMLOverridesProfile(t *testing.T) {
	clearLaunchEnv(t)
	t.Setenv(EnvironmentVar, "production")
	t.Setenv("PORT", "9090")

	path := filepath.Join(t.TempDir(), "authlook.yaml")
	content := []byte(`
port: 7000
workers: 3
access_log: false
log_level: warn
shutdown_grace_period: 3s
rate_limit:
  rps: 10
  burst: 20
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(&CLIOverrides{ConfigFile: path})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 7000 || cfg.Workers != 3 {
		t.Fatalf("expected YAML port/workers, got %d/%d", cfg.Port, cfg.Workers)
	}
	if cfg.AccessLog {
		t.Fatalf("expected access log disabled by YAML")
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected warn level, got %s", cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 3*time.Second {
		t.Fatalf("unexpected shutdown grace period: %s", cfg.ShutdownGracePeriod)
	}
	if cfg.RateLimitRPS != 10 || cfg.RateLimitBurst != 20 {
		t.Fatalf("unexpected rate limit %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func TestLoadYAMLRejectsBadDuration(t *testing.T) {
	clearLaunchEnv(t)

	path := filepath.Join(t.TempDir(), "authlook.yaml")
	if err := os.WriteFile(path, []byte("idle_timeout: soon\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(&CLIOverrides{ConfigFile: path}); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearLaunchEnv(t)

	if _, err := Load(&CLIOverrides{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadCLIOverridesWin(t *testing.T) {
	clearLaunchEnv(t)

	port := 8123
	reload := false
	level := "error"
	app := "demo.server:handler"

	cfg, err := Load(&CLIOverrides{Port: &port, Reload: &reload, LogLevel: &level, App: &app})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != port || cfg.Reload || cfg.LogLevel != level || cfg.App != app {
		t.Fatalf("CLI overrides not applied: %+v", cfg)
	}
	if cfg.Supervised() {
		t.Fatalf("expected single worker without reload to run in-process")
	}
}

func TestLoadRejectsReloadWithWorkers(t *testing.T) {
	clearLaunchEnv(t)

	workers := 2
	if _, err := Load(&CLIOverrides{Workers: &workers}); err == nil {
		t.Fatalf("expected reload with several workers to be rejected")
	}
}

func TestValidateConfig(t *testing.T) {
	base, err := ForMode(Production, func(string) string { return "" })
	if err != nil {
		t.Fatalf("ForMode returned error: %v", err)
	}
	if err := validateConfig(base); err != nil {
		t.Fatalf("expected production profile to be valid: %v", err)
	}

	invalid := []func(*Config){
		func(c *Config) { c.LogLevel = "verbose" },
		func(c *Config) { c.App = "backend.app" },
		func(c *Config) { c.App = "" },
		func(c *Config) { c.RateLimitRPS = -1 },
		func(c *Config) { c.RateLimitBurst = -1 },
		func(c *Config) { c.Port = 0 },
	}
	for i, mutate := range invalid {
		cfg := base
		mutate(&cfg)
		if err := validateConfig(cfg); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, cfg)
		}
	}
}
