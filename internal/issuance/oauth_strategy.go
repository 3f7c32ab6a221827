package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/retry"
	"github.com/tour-badges/badge-issuer/internal/vault"
)

// TokenSource yields a usable bearer token for a badge-provider username.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, username string) (string, error)
}

// UserReader re-reads the latest state of a user.
type UserReader interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

// OAuthStrategy issues badges with each user's own bearer token.
type OAuthStrategy struct {
	baseURL      string
	badgeClassID string
	tokens       TokenSource
	users        UserReader
	httpClient   *http.Client
	policy       retry.Policy
}

// NewOAuthStrategy builds the per-user strategy.
func NewOAuthStrategy(cfg config.IssuanceConfig, tokens TokenSource, users UserReader, httpClient *http.Client, policy retry.Policy) *OAuthStrategy {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout()}
	}
	return &OAuthStrategy{
		baseURL:      cfg.BaseURL,
		badgeClassID: cfg.BadgeClassID,
		tokens:       tokens,
		users:        users,
		httpClient:   httpClient,
		policy:       policy,
	}
}

func (s *OAuthStrategy) Mode() config.IssuanceMode { return config.IssuanceModeOAuth }

func (s *OAuthStrategy) Prepare(ctx context.Context, user domain.User) (*Request, error) {
	current, err := s.users.GetByID(ctx, user.ID)
	if err != nil {
		return nil, fail(http.StatusInternalServerError, "load user state: %v", err)
	}
	if current.Status == domain.IssuanceStatusIssued || current.BadgeReceived {
		return nil, fail(http.StatusConflict, "Badge already issued")
	}

	username := current.Username()
	if username == "" {
		return nil, fail(http.StatusUnauthorized, "No badge account linked for %s", user.Email)
	}
	token, err := s.tokens.GetValidAccessToken(ctx, username)
	if err != nil {
		if vault.IsCredentialError(err) {
			return nil, fail(http.StatusUnauthorized, "%v", err)
		}
		return nil, fail(http.StatusInternalServerError, "%v", err)
	}

	classID, err := s.resolveBadgeClass(ctx, token)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(assertionRequest{
		Recipient: recipient{Identity: user.Email, Type: "email", Hashed: true, PlaintextIdentity: user.Name},
		Notify:    true,
	})
	if err != nil {
		return nil, fail(http.StatusInternalServerError, "encode request: %v", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+token)
	return &Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/v2/badgeclasses/%s/assertions", s.baseURL, url.PathEscape(classID)),
		Header: header,
		Body:   body,
	}, nil
}

type recipient struct {
	Identity          string `json:"identity"`
	Type              string `json:"type"`
	Hashed            bool   `json:"hashed"`
	PlaintextIdentity string `json:"plaintextIdentity,omitempty"`
}

type assertionRequest struct {
	Recipient recipient `json:"recipient"`
	Notify    bool      `json:"notify"`
}

type entityEnvelope struct {
	Status struct {
		Success     bool   `json:"success"`
		Description string `json:"description"`
	} `json:"status"`
	Result []struct {
		EntityID string `json:"entityId"`
	} `json:"result"`
}

func (s *OAuthStrategy) Parse(body []byte) (string, bool) {
	var env entityEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}
	if !env.Status.Success || len(env.Result) == 0 || env.Result[0].EntityID == "" {
		return "", false
	}
	return env.Result[0].EntityID, true
}

var errBadgeClassNotFound = errors.New("badge class not found")

// resolveBadgeClass returns the configured class or the first active class visible to the token.
func (s *OAuthStrategy) resolveBadgeClass(ctx context.Context, token string) (string, error) {
	if s.badgeClassID != "" {
		return s.badgeClassID, nil
	}

	classID, err := retry.Do(ctx, s.policy, func(int) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v2/badgeclasses?include_archived=false", nil)
		if err != nil {
			return "", retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return "", &StatusError{StatusCode: resp.StatusCode}
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return "", err
		}
		var env entityEnvelope
		if err := json.Unmarshal(raw, &env); err != nil || len(env.Result) == 0 || env.Result[0].EntityID == "" {
			return "", retry.Permanent(errBadgeClassNotFound)
		}
		return env.Result[0].EntityID, nil
	}, nil)

	if errors.Is(err, errBadgeClassNotFound) {
		return "", fail(http.StatusNotFound, "Badge class not found")
	}
	if err != nil {
		return "", fail(statusOf(err), "badge class lookup: %v", err)
	}
	return classID, nil
}
