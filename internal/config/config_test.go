package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.TokenTTL != 720*time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.PullPageSize != defaultPullPageSize || cfg.MaxPushBatch != defaultMaxPushBatch {
		t.Fatalf("unexpected sync limits %d/%d", cfg.PullPageSize, cfg.MaxPushBatch)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MOMENTUM_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("MOMENTUM_SYNC_PULL_PAGE_SIZE", "25")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		t.Fatalf("expected env secret, got %q", cfg.SigningSecret)
	}
	if cfg.PullPageSize != 25 {
		t.Fatalf("expected env page size, got %d", cfg.PullPageSize)
	}
}

func TestLoadClientTrimsServerURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("server.url", "http://sync.example.test/")
	configViper.Set("device.id", "laptop")

	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.ServerURL != "http://sync.example.test" {
		t.Fatalf("unexpected server url %q", cfg.ServerURL)
	}
	if cfg.SyncInterval != defaultSyncInterval {
		t.Fatalf("unexpected interval %s", cfg.SyncInterval)
	}
}

func TestLoadClientRejectsNonPositiveBatch(t *testing.T) {
	configViper := NewViper()
	configViper.Set("sync.batch_size", 0)
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected batch size error")
	}
}
