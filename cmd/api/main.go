package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/tour-badges/badge-issuer/internal/api/http"
	"github.com/tour-badges/badge-issuer/internal/api/http/handlers"
	"github.com/tour-badges/badge-issuer/internal/auth"
	"github.com/tour-badges/badge-issuer/internal/bootstrap"
	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/identity"
	"github.com/tour-badges/badge-issuer/internal/observability"
	"github.com/tour-badges/badge-issuer/internal/persistence"
	"github.com/tour-badges/badge-issuer/internal/repository"
	"github.com/tour-badges/badge-issuer/internal/service"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	userRepo := repository.NewUserRepository(pg.PoolHandle())

	pipeline, err := bootstrap.NewPipeline(cfg, userRepo, logger, metrics)
	if err != nil {
		logger.Fatal("failed to build issuance pipeline", zap.Error(err))
	}

	tokenMgr := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	providers := identity.NewRegistry(cfg.Identity, &http.Client{Timeout: 10 * time.Second})
	states := identity.NewRedisStateStore(redis.Client, time.Duration(cfg.Identity.StateTTLMinutes)*time.Minute)

	authService := service.NewAuthService(providers, states, userRepo, tokenMgr, logger.Named("auth"))
	claimService := service.NewClaimService(userRepo, logger.Named("claim"))
	var enrollmentService *service.EnrollmentService
	if pipeline.Vault != nil {
		enrollmentService = service.NewEnrollmentService(pipeline.OAuth, pipeline.Vault, userRepo, logger.Named("enrollment"))
	}

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, cfg.App, logger, metrics)
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": pg,
			"redis":    redis,
		}),
		Auth:           handlers.NewAuthHandler(authService),
		Badges:         handlers.NewBadgeHandler(claimService, enrollmentService),
		AuthMiddleware: auth.NewAuthMiddleware(tokenMgr, userRepo),
		Metrics:        metrics,
	})

	scheduler := worker.NewScheduler(pipeline.Orchestrator, redis, cfg.Schedule, logger.Named("scheduler"))
	go scheduler.Start(ctx)

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
