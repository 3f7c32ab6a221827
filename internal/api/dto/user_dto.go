package dto

import (
	"time"

	"github.com/tour-badges/badge-issuer/internal/domain"
)

// AuthResponse standard response for auth endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRedirectResponse carries the provider URL to start a login.
type LoginRedirectResponse struct {
	Provider string `json:"provider"`
	URL      string `json:"url"`
}

// UserResponse is the public view of a user.
type UserResponse struct {
	ID            int64                 `json:"id"`
	Email         string                `json:"email"`
	Name          string                `json:"name"`
	Status        domain.IssuanceStatus `json:"status"`
	BadgeReceived bool                  `json:"badge_received"`
	BadgrUsername string                `json:"badgr_username,omitempty"`
}

// NewUserResponse maps a domain user.
func NewUserResponse(u *domain.User) UserResponse {
	return UserResponse{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Status:        u.Status,
		BadgeReceived: u.BadgeReceived,
		BadgrUsername: u.Username(),
	}
}

// AuthCheckResponse reports whether the caller holds a valid session.
type AuthCheckResponse struct {
	Authenticated bool          `json:"authenticated"`
	User          *UserResponse `json:"user"`
}

// EnrollmentResponse is returned by the badge-provider callback.
type EnrollmentResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	User    UserResponse `json:"user"`
	IsNew   bool         `json:"is_new_user"`
}
