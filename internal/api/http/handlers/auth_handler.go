package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tour-badges/badge-issuer/internal/api/dto"
	"github.com/tour-badges/badge-issuer/internal/auth"
	"github.com/tour-badges/badge-issuer/internal/service"
)

// AuthHandler exposes identity-provider login.
type AuthHandler struct {
	auth *service.AuthService
}

// NewAuthHandler constructs handler.
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: authService}
}

// Begin handles GET /api/v1/auth/:provider.
func (h *AuthHandler) Begin(c *fiber.Ctx) error {
	provider := c.Params("provider")
	url, err := h.auth.BeginLogin(c.UserContext(), provider)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.LoginRedirectResponse{Provider: provider, URL: url}})
}

// Callback handles GET /api/v1/auth/:provider/callback.
func (h *AuthHandler) Callback(c *fiber.Ctx) error {
	if e := c.Query("error"); e != "" {
		return fiber.NewError(fiber.StatusBadRequest, "OAuth error: "+e)
	}

	res, err := h.auth.CompleteLogin(c.UserContext(), c.Params("provider"), c.Query("state"), c.Query("code"))
	if err != nil {
		return err
	}

	status := fiber.StatusOK
	if res.Created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"data": fiber.Map{
			"user": dto.NewUserResponse(res.User),
			"auth": dto.AuthResponse{Token: res.Token, ExpiresAt: res.Session.ExpiresAt},
		},
	})
}

// Check handles GET /api/v1/auth/check.
func (h *AuthHandler) Check(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return c.JSON(dto.AuthCheckResponse{})
	}
	user := dto.NewUserResponse(principal.User)
	return c.JSON(dto.AuthCheckResponse{Authenticated: true, User: &user})
}
