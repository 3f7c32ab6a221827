// Package identity signs users in with a closed set of OAuth login providers.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/domain"
)

// Kind is a supported login provider.
type Kind string

const (
	KindGoogle    Kind = "google"
	KindGitHub    Kind = "github"
	KindMicrosoft Kind = "microsoft"
)

// Kinds lists every supported provider.
var Kinds = []Kind{KindGoogle, KindGitHub, KindMicrosoft}

var (
	// ErrUnsupportedProvider means the name is not one of Kinds.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrProviderDisabled means the provider has no client registration.
	ErrProviderDisabled = errors.New("provider not configured")
	// ErrIncompleteIdentity means the profile lacks an email or a name.
	ErrIncompleteIdentity = errors.New("provider profile is missing email or name")
)

// ParseKind maps a provider name to its Kind.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
}

// Profile is the union of the user-info fields the providers return.
type Profile struct {
	Email             string `json:"email"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	Name              string `json:"name"`
	DisplayName       string `json:"displayName"`
	Login             string `json:"login"`
}

// Provider is one login provider's capability set.
type Provider interface {
	Kind() Kind
	AuthCodeURL(state string) string
	// ExchangeCode trades an authorization code for the user's identity.
	ExchangeCode(ctx context.Context, code string) (domain.Identity, error)
	NormalizeIdentity(p Profile) (domain.Identity, error)
}

type oauthProvider struct {
	kind       Kind
	oauth      *oauth2.Config
	profileURL string
	httpClient *http.Client
	normalize  func(Profile) (email, name string)
	// fallbackEmail fetches an email when the profile hides it.
	fallbackEmail func(ctx context.Context, client *http.Client) (string, error)
}

func (p *oauthProvider) Kind() Kind { return p.kind }

func (p *oauthProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *oauthProvider) ExchangeCode(ctx context.Context, code string) (domain.Identity, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%s code exchange: %w", p.kind, err)
	}
	client := p.oauth.Client(ctx, token)

	var profile Profile
	if err := getJSON(ctx, client, p.profileURL, &profile); err != nil {
		return domain.Identity{}, fmt.Errorf("%s profile: %w", p.kind, err)
	}
	if profile.Email == "" && p.fallbackEmail != nil {
		email, err := p.fallbackEmail(ctx, client)
		if err != nil {
			return domain.Identity{}, fmt.Errorf("%s email: %w", p.kind, err)
		}
		profile.Email = email
	}
	return p.NormalizeIdentity(profile)
}

func (p *oauthProvider) NormalizeIdentity(profile Profile) (domain.Identity, error) {
	email, name := p.normalize(profile)
	email, name = strings.TrimSpace(email), strings.TrimSpace(name)
	if email == "" || name == "" {
		return domain.Identity{}, ErrIncompleteIdentity
	}
	return domain.Identity{Provider: string(p.kind), Email: strings.ToLower(email), Name: name}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func normalizeGoogle(p Profile) (string, string) { return p.Email, p.Name }

func normalizeGitHub(p Profile) (string, string) { return p.Email, firstNonEmpty(p.Name, p.Login) }

func normalizeMicrosoft(p Profile) (string, string) {
	return firstNonEmpty(p.Email, p.Mail, p.UserPrincipalName), firstNonEmpty(p.Name, p.DisplayName)
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func githubPrimaryEmail(emailsURL string) func(context.Context, *http.Client) (string, error) {
	return func(ctx context.Context, client *http.Client) (string, error) {
		var emails []githubEmail
		if err := getJSON(ctx, client, emailsURL, &emails); err != nil {
			return "", err
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				return e.Email, nil
			}
		}
		return "", nil
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

// Endpoints are the provider URLs. Tests point them at local servers.
type Endpoints struct {
	OAuth      oauth2.Endpoint
	ProfileURL string
	EmailsURL  string
}

// DefaultEndpoints returns the public endpoints of kind.
func DefaultEndpoints(kind Kind, microsoftTenant string) Endpoints {
	switch kind {
	case KindGoogle:
		return Endpoints{OAuth: endpoints.Google, ProfileURL: "https://openidconnect.googleapis.com/v1/userinfo"}
	case KindGitHub:
		return Endpoints{OAuth: endpoints.GitHub, ProfileURL: "https://api.github.com/user", EmailsURL: "https://api.github.com/user/emails"}
	default:
		if microsoftTenant == "" {
			microsoftTenant = "common"
		}
		return Endpoints{OAuth: endpoints.AzureAD(microsoftTenant), ProfileURL: "https://graph.microsoft.com/v1.0/me"}
	}
}

// NewProvider builds the provider of kind from its client registration.
func NewProvider(kind Kind, client config.OAuthClient, redirectURL string, ep Endpoints, httpClient *http.Client) Provider {
	p := &oauthProvider{
		kind: kind,
		oauth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			Endpoint:     ep.OAuth,
			RedirectURL:  redirectURL,
		},
		profileURL: ep.ProfileURL,
		httpClient: httpClient,
	}
	switch kind {
	case KindGoogle:
		p.oauth.Scopes = []string{"openid", "email", "profile"}
		p.normalize = normalizeGoogle
	case KindGitHub:
		p.oauth.Scopes = []string{"read:user", "user:email"}
		p.normalize = normalizeGitHub
		if ep.EmailsURL != "" {
			p.fallbackEmail = githubPrimaryEmail(ep.EmailsURL)
		}
	case KindMicrosoft:
		p.oauth.Scopes = []string{"openid", "email", "profile", "User.Read"}
		p.normalize = normalizeMicrosoft
	}
	return p
}

// Registry holds the configured providers.
type Registry struct {
	providers map[Kind]Provider
}

// NewRegistry registers every provider that has a client id and secret.
func NewRegistry(cfg config.IdentityConfig, httpClient *http.Client) *Registry {
	clients := map[Kind]config.OAuthClient{
		KindGoogle:    cfg.Google,
		KindGitHub:    cfg.GitHub,
		KindMicrosoft: cfg.Microsoft,
	}
	r := &Registry{providers: make(map[Kind]Provider)}
	for _, kind := range Kinds {
		client := clients[kind]
		if !client.Enabled() {
			continue
		}
		redirect := fmt.Sprintf("%s/api/v1/auth/%s/callback", cfg.CallbackBaseURL, kind)
		r.Register(NewProvider(kind, client, redirect, DefaultEndpoints(kind, cfg.MicrosoftTenant), httpClient))
	}
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.providers[p.Kind()] = p
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, kind)
	}
	return p, nil
}
