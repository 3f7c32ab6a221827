// Package vault protects provider OAuth tokens at rest and keeps them fresh.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/oauth"
	"github.com/tour-badges/badge-issuer/internal/observability"
)

// ExpiryBuffer is how long before expiry a token is already treated as expired.
const ExpiryBuffer = 5 * time.Minute

// TokenStore is the persistence the vault needs.
type TokenStore interface {
	GetByBadgrUsername(ctx context.Context, username string) (*domain.User, error)
	UpdateTokens(ctx context.Context, id int64, tokens domain.TokenSet) error
}

// TokenExchanger performs the refresh_token grant.
type TokenExchanger interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth.TokenResponse, error)
}

// Vault encrypts, decrypts and refreshes per-user bearer tokens.
type Vault struct {
	store      TokenStore
	exchanger  TokenExchanger
	passphrase string
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// Option customizes a Vault.
type Option func(*Vault)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

// New builds a vault bound to one passphrase.
func New(store TokenStore, exchanger TokenExchanger, passphrase string, logger *zap.Logger, opts ...Option) *Vault {
	v := &Vault{
		store:      store,
		exchanger:  exchanger,
		passphrase: passphrase,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// IsExpired reports whether now is within ExpiryBuffer of expiresAt or past it.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt.Add(-ExpiryBuffer))
}

// Seal encrypts a freshly obtained token pair with independent salts and IVs.
func (v *Vault) Seal(accessToken, refreshToken string, expiresIn int64) (domain.TokenSet, error) {
	encAccess, err := Encrypt(accessToken, v.passphrase)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := Encrypt(refreshToken, v.passphrase)
	if err != nil {
		return domain.TokenSet{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return domain.TokenSet{
		EncryptedAccess:  encAccess,
		EncryptedRefresh: encRefresh,
		ExpiresAt:        v.now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (v *Vault) loadUser(ctx context.Context, username string) (*domain.User, error) {
	user, err := v.store.GetByBadgrUsername(ctx, username)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no user with badge username %q", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", username, err)
	}
	if user.EncryptedBearerToken == nil || *user.EncryptedBearerToken == "" {
		return nil, fmt.Errorf("%w: no bearer token for %q", ErrNotFound, username)
	}
	return user, nil
}

// GetAccessToken returns the stored bearer token without refreshing it.
func (v *Vault) GetAccessToken(ctx context.Context, username string) (string, error) {
	user, err := v.loadUser(ctx, username)
	if err != nil {
		return "", err
	}
	if user.TokenExpiresAt != nil && !user.TokenExpiresAt.After(v.now()) {
		return "", fmt.Errorf("%w: bearer token for %q", ErrExpired, username)
	}
	blob := *user.EncryptedBearerToken
	if !IsPlausible(blob) {
		return "", fmt.Errorf("%w: bearer token for %q", ErrFormat, username)
	}
	token, err := Decrypt(blob, v.passphrase)
	if err != nil {
		return "", fmt.Errorf("bearer token for %q: %w", username, err)
	}
	return token, nil
}

// GetValidAccessToken returns a usable bearer token, refreshing it when it is
// within ExpiryBuffer of expiring.
func (v *Vault) GetValidAccessToken(ctx context.Context, username string) (string, error) {
	user, err := v.loadUser(ctx, username)
	if err != nil {
		return "", err
	}
	if user.TokenExpiresAt != nil && IsExpired(*user.TokenExpiresAt, v.now()) {
		v.logger.Info("bearer token expiring, refreshing", zap.String("badgr_username", username))
		return v.refreshUser(ctx, user)
	}

	blob := *user.EncryptedBearerToken
	if !IsPlausible(blob) {
		return "", fmt.Errorf("%w: bearer token for %q", ErrFormat, username)
	}
	token, err := Decrypt(blob, v.passphrase)
	if err != nil {
		v.logger.Error("failed to decrypt bearer token", zap.String("badgr_username", username), zap.Error(err))
		return "", fmt.Errorf("bearer token for %q: %w", username, err)
	}
	return token, nil
}

// Refresh exchanges the stored refresh token for a new pair and persists it.
// The stored tokens stay authoritative unless the update succeeds.
func (v *Vault) Refresh(ctx context.Context, username string) (string, error) {
	user, err := v.store.GetByBadgrUsername(ctx, username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: no user with badge username %q", ErrNotFound, username)
	}
	if err != nil {
		return "", fmt.Errorf("load user %q: %w", username, err)
	}
	return v.refreshUser(ctx, user)
}

func (v *Vault) refreshUser(ctx context.Context, user *domain.User) (token string, err error) {
	username := user.Username()
	defer func() {
		v.metrics.RecordTokenRefresh(err == nil)
		if err != nil {
			v.logger.Error("token refresh failed", zap.String("badgr_username", username), zap.Error(err))
		}
	}()

	if user.EncryptedRefreshToken == nil || *user.EncryptedRefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token for %q", ErrNotFound, username)
	}
	refreshToken, err := Decrypt(*user.EncryptedRefreshToken, v.passphrase)
	if err != nil {
		return "", fmt.Errorf("refresh token for %q: %w", username, err)
	}

	resp, err := v.exchanger.Refresh(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefresh, err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return "", fmt.Errorf("%w: %v", ErrRefresh, oauth.ErrIncompleteTokenResponse)
	}

	tokens, err := v.Seal(resp.AccessToken, resp.RefreshToken, resp.ExpiresIn)
	if err != nil {
		return "", err
	}
	if err := v.store.UpdateTokens(ctx, user.ID, tokens); err != nil {
		return "", fmt.Errorf("%w: persist refreshed tokens: %v", ErrRefresh, err)
	}

	v.logger.Info("refreshed bearer token", zap.String("badgr_username", username), zap.Time("expires_at", tokens.ExpiresAt))
	return resp.AccessToken, nil
}
