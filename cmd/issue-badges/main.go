// Command issue-badges performs a single issuance run and exits. It is meant
// for an external cron; the exit code is non-zero only for a critical run.
package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/batch"
	"github.com/tour-badges/badge-issuer/internal/bootstrap"
	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/observability"
	"github.com/tour-badges/badge-issuer/internal/persistence"
	"github.com/tour-badges/badge-issuer/internal/repository"
	"github.com/tour-badges/badge-issuer/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	pipeline, err := bootstrap.NewPipeline(cfg, repository.NewUserRepository(pg.PoolHandle()), logger, nil)
	if err != nil {
		logger.Fatal("failed to build issuance pipeline", zap.Error(err))
	}

	summary, ran := worker.NewScheduler(pipeline.Orchestrator, redis, cfg.Schedule, logger).RunOnce(ctx)
	if ran && summary.Result == batch.ResultCritical {
		logger.Sync() //nolint:errcheck
		pg.Close()
		os.Exit(1)
	}
}
