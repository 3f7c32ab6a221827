package issuance

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/retry"
)

// Request is a fully resolved issuance call. It is rebuilt on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Failure is a terminal per-user outcome decided before or after the network call.
type Failure struct {
	StatusCode int
	Message    string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%d: %s", f.StatusCode, f.Message)
}

func fail(status int, format string, args ...any) *Failure {
	return &Failure{StatusCode: status, Message: fmt.Sprintf(format, args...)}
}

// Strategy is one way of requesting a badge from the badge service. The
// strategy is chosen once per deployment.
type Strategy interface {
	Mode() config.IssuanceMode
	// Prepare resolves credentials and the target for one user. A *Failure is terminal.
	Prepare(ctx context.Context, user domain.User) (*Request, error)
	// Parse extracts the badge identifier from a 2xx body.
	Parse(body []byte) (badgeID string, ok bool)
}

// StrategyDeps holds what the strategies may need.
type StrategyDeps struct {
	Tokens     TokenSource
	Users      UserReader
	HTTPClient *http.Client
	Policy     retry.Policy
}

// NewStrategy selects the strategy for the configured mode.
func NewStrategy(cfg config.IssuanceConfig, deps StrategyDeps) (Strategy, error) {
	switch cfg.Mode {
	case config.IssuanceModeSharedKey:
		return NewSharedKeyStrategy(cfg), nil
	case config.IssuanceModeOAuth:
		if deps.Tokens == nil || deps.Users == nil {
			return nil, fmt.Errorf("oauth issuance requires a token source and user reader")
		}
		return NewOAuthStrategy(cfg, deps.Tokens, deps.Users, deps.HTTPClient, deps.Policy), nil
	default:
		return nil, fmt.Errorf("unknown issuance mode %q", cfg.Mode)
	}
}
