package bootstrap

import (
	"testing"

	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/repository"
)

func baseConfig(mode config.IssuanceMode) *config.Config {
	return &config.Config{
		App:      config.AppConfig{Env: "test"},
		Vault:    config.VaultConfig{EncryptionKey: "passphrase"},
		Issuance: config.IssuanceConfig{Mode: mode, BaseURL: "https://badges.example.com", APIKey: "k", StickerID: "s"},
		Retry:    config.RetryConfig{Attempts: 3},
		Batch:    config.BatchConfig{ChunkSize: 10},
	}
}

func TestNewPipeline(t *testing.T) {
	cases := []struct {
		mode      config.IssuanceMode
		wantVault bool
		wantErr   bool
	}{
		{mode: config.IssuanceModeSharedKey},
		{mode: config.IssuanceModeOAuth, wantVault: true},
		{mode: "carrier-pigeon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			p, err := NewPipeline(baseConfig(tc.mode), repository.NewUserRepository(nil), zap.NewNop(), nil)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPipeline: %v", err)
			}
			if p.Orchestrator == nil {
				t.Fatal("orchestrator not wired")
			}
			if (p.Vault != nil) != tc.wantVault || (p.OAuth != nil) != tc.wantVault {
				t.Fatalf("vault wired = %v, want %v", p.Vault != nil, tc.wantVault)
			}
		})
	}
}
