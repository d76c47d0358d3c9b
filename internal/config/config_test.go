package config

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("CLIENT_PASSWORDS", "alpha, beta ,")
	t.Setenv("OWNER_PASSWORD", "owner-pass")
	t.Setenv("SESSION_SECRET", testSecret)
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Auth.ClientPasswords) != 2 || cfg.Auth.ClientPasswords[1] != "beta" {
		t.Fatalf("unexpected client passwords %#v", cfg.Auth.ClientPasswords)
	}
	if cfg.Vault.Backend != BackendMemory || cfg.Session.Backend != BackendMemory {
		t.Fatalf("expected memory backends, got vault=%q session=%q", cfg.Vault.Backend, cfg.Session.Backend)
	}
	if cfg.Proxy.Mode != ProxySimulate {
		t.Fatalf("expected simulate proxy mode, got %q", cfg.Proxy.Mode)
	}
	if cfg.Session.TTL != 24*time.Hour {
		t.Fatalf("unexpected session ttl %v", cfg.Session.TTL)
	}
	if cfg.Durable() {
		t.Fatalf("memory vault must not be durable")
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("SESSION_SECRET", testSecret)
	t.Setenv("OWNER_PASSWORD", "owner-pass")
	t.Setenv("CLIENT_PASSWORDS", "")
	if _, err := Load(); !errors.Is(err, ErrMissingClientPasswords) {
		t.Fatalf("expected ErrMissingClientPasswords, got %v", err)
	}

	setBase(t)
	t.Setenv("SESSION_SECRET", "short")
	if _, err := Load(); !errors.Is(err, ErrWeakSessionSecret) {
		t.Fatalf("expected ErrWeakSessionSecret, got %v", err)
	}
}

func TestLoadDurableVaultNeedsMasterKey(t *testing.T) {
	setBase(t)
	t.Setenv("VAULT_BACKEND", "pebble")
	t.Setenv("PEBBLE_DIR", t.TempDir())
	if _, err := Load(); !errors.Is(err, ErrMissingMasterKey) {
		t.Fatalf("expected ErrMissingMasterKey, got %v", err)
	}

	t.Setenv("MASTER_KEY_B64", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crypto.CurrentKeyID != "default" || len(cfg.Crypto.Keys["default"]) != 32 {
		t.Fatalf("unexpected crypto config %#v", cfg.Crypto)
	}
}

func TestLoadRejectsUnknownModes(t *testing.T) {
	setBase(t)
	t.Setenv("PROXY_MODE", "teleport")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown proxy mode")
	}

	t.Setenv("PROXY_MODE", "upstream")
	t.Setenv("VAULT_BACKEND", "sql")
	if _, err := Load(); !errors.Is(err, ErrMissingDatabaseDSN) {
		t.Fatalf("expected ErrMissingDatabaseDSN, got %v", err)
	}
}
