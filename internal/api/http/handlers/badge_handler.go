package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tour-badges/badge-issuer/internal/api/dto"
	"github.com/tour-badges/badge-issuer/internal/auth"
	"github.com/tour-badges/badge-issuer/internal/service"
)

// BadgeHandler exposes the claim endpoint and the badge-provider callback.
type BadgeHandler struct {
	claims      *service.ClaimService
	enrollments *service.EnrollmentService
}

// NewBadgeHandler constructs handler. enrollments is nil outside oauth mode.
func NewBadgeHandler(claims *service.ClaimService, enrollments *service.EnrollmentService) *BadgeHandler {
	return &BadgeHandler{claims: claims, enrollments: enrollments}
}

// Claim handles POST /api/v1/user/claim.
func (h *BadgeHandler) Claim(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "Not authenticated")
	}

	user, err := h.claims.Claim(c.UserContext(), principal.User.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"message": "You will receive an email when your badge is ready",
		"user":    dto.NewUserResponse(user),
	})
}

// OAuthCallback handles GET /api/v1/oauth/callback.
func (h *BadgeHandler) OAuthCallback(c *fiber.Ctx) error {
	if h.enrollments == nil {
		return fiber.NewError(fiber.StatusNotFound, "Endpoint not found")
	}
	if e := c.Query("error"); e != "" {
		return fiber.NewError(fiber.StatusBadRequest, "OAuth error: "+e)
	}

	res, err := h.enrollments.Enroll(c.UserContext(), c.Query("code"))
	if err != nil {
		return err
	}

	message := "OAuth authentication successful"
	if res.Created {
		message = "User enrolled and OAuth authentication successful"
	}
	return c.JSON(dto.EnrollmentResponse{
		Success: true,
		Message: message,
		User:    dto.NewUserResponse(res.User),
		IsNew:   res.Created,
	})
}
