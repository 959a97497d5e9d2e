package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("defaults must load: %v", err)
	}
	if cfg.DatabasePath != "qsolog.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
	if cfg.DeviceProtocol != "ws" {
		t.Fatalf("unexpected protocol %q", cfg.DeviceProtocol)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.PollInterval)
	}
	if cfg.FullSyncInterval != time.Hour {
		t.Fatalf("unexpected full sync interval %v", cfg.FullSyncInterval)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("QSOLOG_DEVICE_ADDRESS", "fmo.local:8080")
	t.Setenv("QSOLOG_SYNC_OPERATOR", "BA1AA")
	t.Setenv("QSOLOG_SYNC_POLL_INTERVAL", "30s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DeviceAddress != "fmo.local:8080" {
		t.Fatalf("unexpected device address %q", cfg.DeviceAddress)
	}
	if cfg.Operator != "BA1AA" {
		t.Fatalf("unexpected operator %q", cfg.Operator)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("unexpected poll interval %v", cfg.PollInterval)
	}
}

func TestLoadRejectsBadProtocol(t *testing.T) {
	configViper := NewViper()
	configViper.Set("device.protocol", "http")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for unsupported protocol")
	}
}

func TestLoadRejectsEmptyDatabasePath(t *testing.T) {
	configViper := NewViper()
	configViper.Set("database.path", "  ")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for empty database path")
	}
}

func TestLoadRejectsNonPositiveIntervals(t *testing.T) {
	configViper := NewViper()
	configViper.Set("sync.poll_interval", "0s")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for zero poll interval")
	}
}
