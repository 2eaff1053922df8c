// Package config loads wasmguardd's top-level daemon configuration: home
// directory, bind address, manifest directory, default quota/rate-limit
// policy, and telemetry settings. Adapted from the teacher's
// internal/config (same yaml.v3 + WASMGUARD_HOME-env-override +
// MkdirAll-on-load + applyEnvOverrides/normalize pipeline), trimmed to
// this domain's fields — no LLM provider, skills, channel, or plan
// config sections apply here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/wasmguard/internal/otelx"
)

// Config is wasmguardd's daemon configuration, loaded from
// <HomeDir>/config.yaml and overridden by environment variables.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	AllowOrigins []string `yaml:"allow_origins"`

	// ManifestDir is scanned by internal/cron's poller for component
	// manifest (.toml) files.
	ManifestDir string `yaml:"manifest_dir"`

	HousekeepingCron string `yaml:"housekeeping_cron"`

	DefaultQuota DefaultQuotaConfig `yaml:"default_quota"`

	Telemetry otelx.Config `yaml:"telemetry"`

	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`
}

// DefaultQuotaConfig is the quota.Limits applied to components whose
// manifest doesn't declare storage/rate/bandwidth/cpu/memory limits of its
// own.
type DefaultQuotaConfig struct {
	StorageBytes   uint64        `yaml:"storage_bytes"`
	RatePerWindow  uint64        `yaml:"rate_per_window"`
	BandwidthBytes uint64        `yaml:"bandwidth_bytes"`
	CPUMillis      uint64        `yaml:"cpu_millis"`
	MemoryBytes    uint64        `yaml:"memory_bytes"`
	Window         time.Duration `yaml:"window"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:18943",
		LogLevel:              "info",
		ManifestDir:           "./manifests",
		HousekeepingCron:      "*/5 * * * *",
		RetentionAuditLogDays: 365,
		DefaultQuota: DefaultQuotaConfig{
			StorageBytes:   64 << 20,
			RatePerWindow:  10_000,
			BandwidthBytes: 64 << 20,
			CPUMillis:      60_000,
			MemoryBytes:    256 << 20,
			Window:         time.Minute,
		},
		Telemetry: otelx.Config{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "wasmguardd",
			SampleRate:  1.0,
		},
	}
}

// HomeDir resolves wasmguardd's data directory: WASMGUARD_HOME if set,
// else ~/.wasmguard.
func HomeDir() string {
	if override := os.Getenv("WASMGUARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".wasmguard")
}

// Load reads <HomeDir>/config.yaml (if present), applies environment
// overrides, fills in defaults, and ensures HomeDir/ManifestDir exist.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if !filepath.IsAbs(cfg.ManifestDir) {
		cfg.ManifestDir = filepath.Join(cfg.HomeDir, cfg.ManifestDir)
	}
	if err := os.MkdirAll(cfg.ManifestDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create manifest dir: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WASMGUARD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("WASMGUARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WASMGUARD_MANIFEST_DIR"); v != "" {
		cfg.ManifestDir = v
	}
}

// AuthTokenPath is where wasmguardd persists its generated admin-surface
// Bearer token, mirroring the teacher's auth.token convention.
func AuthTokenPath(homeDir string) string {
	return filepath.Join(homeDir, "auth.token")
}
