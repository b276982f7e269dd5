package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "broker.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsWhenFileMissingValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "broker_host: 10.0.0.5\n")

	l, err := Load(Options{ConfigFile: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := l.Current()

	if cfg.BrokerHost != "10.0.0.5" {
		t.Errorf("got host %q, want 10.0.0.5", cfg.BrokerHost)
	}
	if cfg.BrokerPort != 5000 {
		t.Errorf("got port %d, want default 5000", cfg.BrokerPort)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("got max_retries %d, want default 3", cfg.MaxRetries)
	}
	if cfg.RetryInterval != 2*time.Second {
		t.Errorf("got retry_interval %v, want default 2s", cfg.RetryInterval)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
broker_host: 0.0.0.0
broker_port: 6001
max_retries: 5
retry_interval: 500ms
reliability_policy: reliable
`)

	l, err := Load(Options{ConfigFile: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := l.Current()

	if cfg.BrokerPort != 6001 {
		t.Errorf("got port %d, want 6001", cfg.BrokerPort)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("got max_retries %d, want 5", cfg.MaxRetries)
	}
	if cfg.RetryInterval != 500*time.Millisecond {
		t.Errorf("got retry_interval %v, want 500ms", cfg.RetryInterval)
	}
	if cfg.ReliabilityPolicy != "reliable" {
		t.Errorf("got reliability_policy %q, want reliable", cfg.ReliabilityPolicy)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	l, err := Load(Options{ConfigFile: filepath.Join(t.TempDir(), "does-not-exist.yaml")})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := l.Current()
	if cfg.BrokerHost != "127.0.0.1" {
		t.Errorf("got host %q, want default 127.0.0.1", cfg.BrokerHost)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "broker_port: 6001\n")

	t.Setenv("MMW_BROKER_PORT", "7002")

	l, err := Load(Options{ConfigFile: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := l.Current().BrokerPort; got != 7002 {
		t.Errorf("got port %d, want env override 7002", got)
	}
}
