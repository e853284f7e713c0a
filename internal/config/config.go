package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultApp is the application reference served when none is configured.
	DefaultApp = "backend.app:app"

	defaultHost        = "0.0.0.0"
	defaultPort        = 8000
	defaultWorkers     = 4
	defaultReloadDelay = 250 * time.Millisecond
)

var appRefPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*:[A-Za-z_][A-Za-z0-9_]*$`)

// Config aggregates the launch configuration resolved for one deployment mode.
// Precedence: CLI flags > YAML config > Environment variables > Mode profile
type Config struct {
	Mode                Mode
	App                 string
	Host                string
	Port                int
	Reload              bool
	Workers             int
	LogLevel            string
	AccessLog           bool
	ReloadDirs          []string
	ReloadDelay         time.Duration
	ShutdownGracePeriod time.Duration
	ReadHeaderTimeout   time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	RateLimitRPS        float64
	RateLimitBurst      int
	MetricsAddr         string
}

// Addr returns the host:port pair the server binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Supervised reports whether the launcher has to run worker processes under a
// supervisor instead of serving in-process.
func (c Config) Supervised() bool {
	return c.Reload || c.Workers > 1
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	App                 string        `yaml:"app"`
	Host                string        `yaml:"host"`
	Port                *int          `yaml:"port"`
	Workers             *int          `yaml:"workers"`
	Reload              *bool         `yaml:"reload"`
	LogLevel            string        `yaml:"log_level"`
	AccessLog           *bool         `yaml:"access_log"`
	ReloadDirs          []string      `yaml:"reload_dirs"`
	ReloadDelay         string        `yaml:"reload_delay"`
	ShutdownGracePeriod string        `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout   string        `yaml:"read_header_timeout"`
	WriteTimeout        string        `yaml:"write_timeout"`
	IdleTimeout         string        `yaml:"idle_timeout"`
	MetricsAddr         string        `yaml:"metrics_addr"`
	RateLimit           yamlRateLimit `yaml:"rate_limit"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

// CLIOverrides holds command-line flag overrides. Nil fields were not given.
type CLIOverrides struct {
	ConfigFile  string
	App         *string
	Host        *string
	Port        *int
	Workers     *int
	Reload      *bool
	LogLevel    *string
	AccessLog   *bool
	MetricsAddr *string
}

// Load selects the deployment mode from ENVIRONMENT and resolves the launch
// configuration for it. Precedence: CLI flags > YAML config > Environment
// variables > Mode profile
func Load(overrides *CLIOverrides) (Config, error) {
	mode := SelectMode(os.Getenv)

	cfg, err := profileConfig(mode, os.Getenv)
	if err != nil {
		return Config{}, err
	}

	applyEnvConfig(&cfg, os.Getenv)

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ForMode returns the profile for mode without any file or flag overrides.
func ForMode(mode Mode, getenv func(string) string) (Config, error) {
	return profileConfig(mode, getenv)
}

// profileConfig builds the fixed configuration of a deployment mode. Only the
// production profile reads PORT and WORKERS; development always binds 8000.
func profileConfig(mode Mode, getenv func(string) string) (Config, error) {
	cfg := Config{
		Mode:                mode,
		App:                 DefaultApp,
		Host:                defaultHost,
		Port:                defaultPort,
		AccessLog:           true,
		ReloadDelay:         defaultReloadDelay,
		ShutdownGracePeriod: 10 * time.Second,
		ReadHeaderTimeout:   5 * time.Second,
		WriteTimeout:        30 * time.Second,
		IdleTimeout:         120 * time.Second,
	}

	if !mode.IsProduction() {
		cfg.Reload = true
		cfg.Workers = 1
		cfg.LogLevel = "debug"
		cfg.ReloadDirs = []string{"."}
		return cfg, nil
	}

	cfg.Reload = false
	cfg.LogLevel = "info"

	port, err := intFromEnv(getenv, "PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.Port = port

	workers, err := intFromEnv(getenv, "WORKERS", defaultWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.Workers = workers

	return cfg, nil
}

func intFromEnv(getenv func(string) string, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return value, nil
}

// applyEnvConfig applies the mode-independent environment variables.
func applyEnvConfig(cfg *Config, getenv func(string) string) {
	if addr := strings.TrimSpace(getenv("METRICS_ADDR")); addr != "" {
		cfg.MetricsAddr = addr
	}

	if rps := strings.TrimSpace(getenv("RATE_LIMIT_RPS")); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.RateLimitRPS = value
		}
	}

	if burst := strings.TrimSpace(getenv("RATE_LIMIT_BURST")); burst != "" {
		if value, err := strconv.Atoi(burst); err == nil && value >= 0 {
			cfg.RateLimitBurst = value
		}
	}
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	if yamlCfg.App != "" {
		cfg.App = yamlCfg.App
	}
	if yamlCfg.Host != "" {
		cfg.Host = yamlCfg.Host
	}
	if yamlCfg.Port != nil {
		cfg.Port = *yamlCfg.Port
	}
	if yamlCfg.Workers != nil {
		cfg.Workers = *yamlCfg.Workers
	}
	if yamlCfg.Reload != nil {
		cfg.Reload = *yamlCfg.Reload
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.AccessLog != nil {
		cfg.AccessLog = *yamlCfg.AccessLog
	}
	if len(yamlCfg.ReloadDirs) > 0 {
		cfg.ReloadDirs = yamlCfg.ReloadDirs
	}
	if yamlCfg.MetricsAddr != "" {
		cfg.MetricsAddr = yamlCfg.MetricsAddr
	}

	durations := []struct {
		raw    string
		target *time.Duration
		name   string
	}{
		{yamlCfg.ReloadDelay, &cfg.ReloadDelay, "reload_delay"},
		{yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod, "shutdown_grace_period"},
		{yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout, "read_header_timeout"},
		{yamlCfg.WriteTimeout, &cfg.WriteTimeout, "write_timeout"},
		{yamlCfg.IdleTimeout, &cfg.IdleTimeout, "idle_timeout"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.target = parsed
	}

	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}

	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.App != nil && *overrides.App != "" {
		cfg.App = *overrides.App
	}
	if overrides.Host != nil && *overrides.Host != "" {
		cfg.Host = *overrides.Host
	}
	if overrides.Port != nil {
		cfg.Port = *overrides.Port
	}
	if overrides.Workers != nil {
		cfg.Workers = *overrides.Workers
	}
	if overrides.Reload != nil {
		cfg.Reload = *overrides.Reload
	}
	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = *overrides.LogLevel
	}
	if overrides.AccessLog != nil {
		cfg.AccessLog = *overrides.AccessLog
	}
	if overrides.MetricsAddr != nil && *overrides.MetricsAddr != "" {
		cfg.MetricsAddr = *overrides.MetricsAddr
	}
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.Reload && cfg.Workers > 1 {
		return fmt.Errorf("reload runs a single worker, got workers=%d", cfg.Workers)
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	if !appRefPattern.MatchString(cfg.App) {
		return fmt.Errorf("app must look like module:attribute, got %q", cfg.App)
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.Reload && cfg.ReloadDelay <= 0 {
		return fmt.Errorf("reload_delay must be positive")
	}
	return nil
}
