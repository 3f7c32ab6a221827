// Package bootstrap assembles the issuance pipeline shared by the commands.
package bootstrap

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/batch"
	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/issuance"
	"github.com/tour-badges/badge-issuer/internal/notify"
	"github.com/tour-badges/badge-issuer/internal/oauth"
	"github.com/tour-badges/badge-issuer/internal/observability"
	"github.com/tour-badges/badge-issuer/internal/repository"
	"github.com/tour-badges/badge-issuer/internal/retry"
	"github.com/tour-badges/badge-issuer/internal/vault"
)

// Pipeline is the wired issuance stack.
type Pipeline struct {
	Orchestrator *batch.Orchestrator
	// Vault and OAuth are nil in shared_key mode.
	Vault *vault.Vault
	OAuth *oauth.Client
}

// NewPipeline wires the vault, issuance client, notifier and orchestrator for cfg.
func NewPipeline(cfg *config.Config, users repository.UserRepository, logger *zap.Logger, metrics *observability.Metrics) (*Pipeline, error) {
	policy := retry.FromConfig(cfg.Retry)
	httpClient := &http.Client{Timeout: cfg.Issuance.Timeout()}
	p := &Pipeline{}

	deps := issuance.StrategyDeps{HTTPClient: httpClient, Policy: policy}
	if cfg.Issuance.Mode == config.IssuanceModeOAuth {
		p.OAuth = oauth.NewClient(cfg.Issuance, httpClient)
		p.Vault = vault.New(users, p.OAuth, cfg.Vault.EncryptionKey, logger.Named("vault"), vault.WithMetrics(metrics))
		deps.Tokens = p.Vault
		deps.Users = users
	}

	strategy, err := issuance.NewStrategy(cfg.Issuance, deps)
	if err != nil {
		return nil, fmt.Errorf("issuance strategy: %w", err)
	}
	client := issuance.NewClient(strategy, users, logger.Named("issuance"), issuance.ClientOptions{
		HTTPClient:    httpClient,
		Policy:        policy,
		RatePerSecond: cfg.Issuance.RatePerSecond,
		Burst:         cfg.Batch.ChunkSize,
		Metrics:       metrics,
	})

	opts := []batch.Option{batch.WithMetrics(metrics)}
	if n := notify.New(cfg.Notification, cfg.App.Env, logger.Named("notify"),
		notify.WithPolicy(policy), notify.WithMetrics(metrics)); n != nil {
		opts = append(opts, batch.WithNotifier(n))
	}
	p.Orchestrator = batch.New(users, client, cfg.Batch, cfg.App.Env, logger.Named("batch"), opts...)

	logger.Info("issuance pipeline ready",
		zap.String("mode", string(strategy.Mode())),
		zap.Int("chunk_size", cfg.Batch.ChunkSize),
		zap.Int("retry_attempts", policy.Attempts))
	return p, nil
}
