package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "account-service" {
		t.Fatalf("expected default service name, got %s", cfg.ServiceName)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.WriteTimeout != 15*time.Second {
		t.Fatalf("expected write timeout 15s, got %s", cfg.HTTP.WriteTimeout)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("service_name: ledger\nhttp:\n  port: 9000\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BANK_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "ledger" || cfg.HTTP.Port != 9000 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env override, got %s", cfg.LogLevel)
	}
	if cfg.HTTP.Addr() != "0.0.0.0:9000" {
		t.Fatalf("unexpected addr %s", cfg.HTTP.Addr())
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := AppConfig{ServiceName: "svc", MetricsPath: "/metrics", HTTP: HTTPConfig{Port: 0}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected port validation error")
	}
}
