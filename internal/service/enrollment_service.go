package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/oauth"
	apperrors "github.com/tour-badges/badge-issuer/pkg/util/errorutil"
)

// BadgeProvider is the badge service's OAuth surface.
type BadgeProvider interface {
	ExchangeCode(ctx context.Context, code string) (*oauth.TokenResponse, error)
	FetchProfile(ctx context.Context, accessToken string) (*oauth.Profile, error)
}

// TokenSealer encrypts a token pair for storage.
type TokenSealer interface {
	Seal(accessToken, refreshToken string, expiresIn int64) (domain.TokenSet, error)
}

// EnrollmentUsers is the persistence the enrollment flow needs.
type EnrollmentUsers interface {
	UpsertBadgeCredentials(ctx context.Context, user *domain.User, tokens domain.TokenSet) (bool, error)
}

// Enrollment is the result of linking a badge account.
type Enrollment struct {
	User    *domain.User
	Created bool
}

// EnrollmentService links a badge-service account to a user.
type EnrollmentService struct {
	provider BadgeProvider
	sealer   TokenSealer
	users    EnrollmentUsers
	logger   *zap.Logger
}

// NewEnrollmentService builds the service.
func NewEnrollmentService(provider BadgeProvider, sealer TokenSealer, users EnrollmentUsers, logger *zap.Logger) *EnrollmentService {
	return &EnrollmentService{provider: provider, sealer: sealer, users: users, logger: logger}
}

// Enroll exchanges the authorization code, reads the account profile and
// stores the encrypted credentials against the user with that email.
func (s *EnrollmentService) Enroll(ctx context.Context, code string) (*Enrollment, error) {
	if code == "" {
		return nil, apperrors.NewValidationError("Authorization code not provided", nil)
	}

	tokens, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		s.logger.Warn("badge provider code exchange failed", zap.Error(err))
		return nil, apperrors.NewValidationError("Failed to exchange authorization code for token", nil)
	}
	profile, err := s.provider.FetchProfile(ctx, tokens.AccessToken)
	if err != nil {
		s.logger.Warn("badge provider profile lookup failed", zap.Error(err))
		return nil, apperrors.NewValidationError("Failed to get user information from badge provider", nil)
	}
	if strings.TrimSpace(profile.Email) == "" || profile.Username == "" {
		return nil, apperrors.NewValidationError("badge provider profile is missing email or username", nil)
	}

	sealed, err := s.sealer.Seal(tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresIn)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	username := profile.Username
	user := &domain.User{
		Email:         strings.ToLower(strings.TrimSpace(profile.Email)),
		Name:          profile.FullName(),
		BadgrUsername: &username,
	}
	created, err := s.users.UpsertBadgeCredentials(ctx, user, sealed)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	s.logger.Info("badge account linked",
		zap.Int64("user_id", user.ID),
		zap.String("badgr_username", username),
		zap.Bool("created", created))
	return &Enrollment{User: user, Created: created}, nil
}
