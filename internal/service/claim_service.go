package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/domain"
	apperrors "github.com/tour-badges/badge-issuer/pkg/util/errorutil"
)

// ClaimUsers is the persistence the claim flow needs.
type ClaimUsers interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	MarkPending(ctx context.Context, id int64) error
}

// ClaimService queues a user for the next issuance run.
type ClaimService struct {
	users  ClaimUsers
	logger *zap.Logger
}

// NewClaimService builds the service.
func NewClaimService(users ClaimUsers, logger *zap.Logger) *ClaimService {
	return &ClaimService{users: users, logger: logger}
}

func claimRejected(message, detail string, user *domain.User) error {
	return apperrors.NewDomainError("CLAIM_REJECTED", message, http.StatusBadRequest, map[string]any{
		"message": detail,
		"user":    map[string]any{"email": user.Email, "name": user.Name, "status": user.Status},
	})
}

// Claim moves a registered user to pending.
func (s *ClaimService) Claim(ctx context.Context, userID int64) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("user", nil)
		}
		return nil, apperrors.MapError(err)
	}

	if user.Status == domain.IssuanceStatusPending {
		return nil, claimRejected("Badge already claimed",
			"Your badge is being processed. You will receive an email when it is ready.", user)
	}
	if user.BadgeReceived || user.Status == domain.IssuanceStatusIssued {
		return nil, claimRejected("Badge already received", "You have already received your badge.", user)
	}

	if err := s.users.MarkPending(ctx, user.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Changed between the read and the update.
			return nil, apperrors.NewConflict("badge status changed, retry the claim", nil)
		}
		return nil, apperrors.MapError(err)
	}

	user.Status = domain.IssuanceStatusPending
	s.logger.Info("badge claimed", zap.Int64("user_id", user.ID))
	return user, nil
}
