package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ISSUANCE_MODE", "oauth")
	t.Setenv("ENCRYPTION_KEY", "passphrase")
	t.Setenv("BADGE_API_BASE_URL", "https://api.badgr.test/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Batch.ChunkSize != 10 {
		t.Fatalf("chunk size = %d, want 10", cfg.Batch.ChunkSize)
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.MinTimeout != time.Second || cfg.Retry.MaxTimeout != 8*time.Second {
		t.Fatalf("unexpected retry schedule: %+v", cfg.Retry)
	}
	if cfg.Issuance.TokenURL() != "https://api.badgr.test/o/token" {
		t.Fatalf("unexpected token url %q", cfg.Issuance.TokenURL())
	}
	if cfg.Schedule.Interval != time.Hour {
		t.Fatalf("interval = %s, want 1h", cfg.Schedule.Interval)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Issuance: IssuanceConfig{Mode: IssuanceModeOAuth},
			Vault:    VaultConfig{EncryptionKey: "k"},
			Batch:    BatchConfig{ChunkSize: 10},
			Retry:    RetryConfig{Attempts: 3},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid oauth", mutate: func(*Config) {}},
		{name: "oauth without key", mutate: func(c *Config) { c.Vault.EncryptionKey = "" }, wantErr: true},
		{name: "shared key missing sticker", mutate: func(c *Config) {
			c.Issuance.Mode = IssuanceModeSharedKey
			c.Issuance.APIKey = "key"
		}, wantErr: true},
		{name: "shared key valid", mutate: func(c *Config) {
			c.Issuance.Mode = IssuanceModeSharedKey
			c.Issuance.APIKey = "key"
			c.Issuance.StickerID = "sticker"
		}},
		{name: "unknown mode", mutate: func(c *Config) { c.Issuance.Mode = "carrier-pigeon" }, wantErr: true},
		{name: "zero chunk", mutate: func(c *Config) { c.Batch.ChunkSize = 0 }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
