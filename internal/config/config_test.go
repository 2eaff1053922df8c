package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/wasmguard/internal/config"
)

func TestLoadAppliesDefaultsWhenNoConfigFile(t *testing.T) {
	t.Setenv("WASMGUARD_HOME", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr == "" {
		t.Fatal("expected a default bind_addr")
	}
	if cfg.HousekeepingCron == "" {
		t.Fatal("expected a default housekeeping_cron")
	}
	if cfg.DefaultQuota.MemoryBytes == 0 {
		t.Fatal("expected a non-zero default quota memory limit")
	}
	if _, err := os.Stat(cfg.ManifestDir); err != nil {
		t.Fatalf("expected manifest dir to be created: %v", err)
	}
}

func TestLoadReadsConfigYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WASMGUARD_HOME", home)

	yamlBody := "bind_addr: \"127.0.0.1:9999\"\nlog_level: debug\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("BindAddr = %q, want 127.0.0.1:9999", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WASMGUARD_HOME", home)
	t.Setenv("WASMGUARD_BIND_ADDR", "0.0.0.0:8080")

	yamlBody := "bind_addr: \"127.0.0.1:9999\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:8080" {
		t.Fatalf("BindAddr = %q, want env override 0.0.0.0:8080", cfg.BindAddr)
	}
}

func TestHomeDirRespectsOverride(t *testing.T) {
	t.Setenv("WASMGUARD_HOME", "/tmp/custom-wasmguard-home")
	if got := config.HomeDir(); got != "/tmp/custom-wasmguard-home" {
		t.Fatalf("HomeDir() = %q, want /tmp/custom-wasmguard-home", got)
	}
}

func TestManifestDirRelativeToHomeDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WASMGUARD_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(home, "manifests")
	if cfg.ManifestDir != want {
		t.Fatalf("ManifestDir = %q, want %q", cfg.ManifestDir, want)
	}
}
