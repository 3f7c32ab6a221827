package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/tour-badges/badge-issuer/internal/api/http/handlers"
	"github.com/tour-badges/badge-issuer/internal/auth"
	"github.com/tour-badges/badge-issuer/internal/observability"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Badges         *handlers.BadgeHandler
	AuthMiddleware *auth.AuthMiddleware
	Metrics        *observability.Metrics
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))

	v1 := app.Group("/api/v1")

	authGroup := v1.Group("/auth")
	authGroup.Get("/check", cfg.AuthMiddleware.Optional, cfg.Auth.Check)
	authGroup.Get("/:provider", cfg.Auth.Begin)
	authGroup.Get("/:provider/callback", cfg.Auth.Callback)

	v1.Post("/user/claim", cfg.AuthMiddleware.Handle, cfg.Badges.Claim)
	v1.Get("/oauth/callback", cfg.Badges.OAuthCallback)
}
