package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/auth"
	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/identity"
	apperrors "github.com/tour-badges/badge-issuer/pkg/util/errorutil"
)

// LoginUsers is the persistence the login flow needs.
type LoginUsers interface {
	CreateIfAbsent(ctx context.Context, user *domain.User) (bool, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

// ProviderSource resolves login providers by name.
type ProviderSource interface {
	Get(name string) (identity.Provider, error)
}

// LoginResult is a completed login.
type LoginResult struct {
	User    *domain.User
	Created bool
	Token   string
	Session domain.Session
}

// AuthService coordinates identity-provider login.
type AuthService struct {
	providers ProviderSource
	states    identity.StateStore
	users     LoginUsers
	tokenMgr  *auth.TokenManager
	logger    *zap.Logger
}

// NewAuthService builds the service.
func NewAuthService(providers ProviderSource, states identity.StateStore, users LoginUsers, tokenMgr *auth.TokenManager, logger *zap.Logger) *AuthService {
	return &AuthService{providers: providers, states: states, users: users, tokenMgr: tokenMgr, logger: logger}
}

// BeginLogin returns the provider URL the caller should visit.
func (s *AuthService) BeginLogin(ctx context.Context, providerName string) (string, error) {
	provider, err := s.provider(providerName)
	if err != nil {
		return "", err
	}
	state, err := s.states.Issue(ctx, provider.Kind())
	if err != nil {
		return "", apperrors.NewInternalError(err)
	}
	return provider.AuthCodeURL(state), nil
}

// CompleteLogin validates state, exchanges the code and enrolls the user as
// registered on first sight.
func (s *AuthService) CompleteLogin(ctx context.Context, providerName, state, code string) (*LoginResult, error) {
	provider, err := s.provider(providerName)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, apperrors.NewValidationError("authorization code not provided", nil)
	}

	kind, err := s.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidState) {
			return nil, apperrors.NewUnauthorized(err.Error())
		}
		return nil, apperrors.NewInternalError(err)
	}
	if kind != provider.Kind() {
		return nil, apperrors.NewUnauthorized("oauth state issued for another provider")
	}

	id, err := provider.ExchangeCode(ctx, code)
	if err != nil {
		if errors.Is(err, identity.ErrIncompleteIdentity) {
			return nil, apperrors.NewValidationError(err.Error(), map[string]any{"provider": string(kind)})
		}
		return nil, apperrors.NewUpstreamError("identity provider login failed", err)
	}

	user := &domain.User{Email: id.Email, Name: id.Name, Provider: id.Provider}
	created, err := s.users.CreateIfAbsent(ctx, user)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if !created {
		if user, err = s.users.GetByEmail(ctx, id.Email); err != nil {
			return nil, apperrors.MapError(err)
		}
	}

	token, session, err := s.tokenMgr.GenerateToken(user)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	s.logger.Info("user signed in",
		zap.Int64("user_id", user.ID),
		zap.String("provider", id.Provider),
		zap.Bool("created", created))
	return &LoginResult{User: user, Created: created, Token: token, Session: session}, nil
}

func (s *AuthService) provider(name string) (identity.Provider, error) {
	p, err := s.providers.Get(name)
	if err != nil {
		if errors.Is(err, identity.ErrUnsupportedProvider) || errors.Is(err, identity.ErrProviderDisabled) {
			return nil, apperrors.NewValidationError("Unsupported provider", map[string]any{"provider": name})
		}
		return nil, apperrors.NewInternalError(err)
	}
	return p, nil
}
