package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tour-badges/badge-issuer/internal/config"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(config.IssuanceConfig{
		BaseURL:      srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "https://badges.example.com",
	}, srv.Client())
}

func TestRefreshSendsFormGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/o/token" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("content type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "old-refresh" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("client_id") != "client-id" || r.PostForm.Get("client_secret") != "client-secret" {
			t.Errorf("missing client credentials %v", r.PostForm)
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 3600, TokenType: "Bearer", Scope: "rw:backpack"})
	}))
	defer srv.Close()

	tok, err := newTestClient(srv).Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.AccessToken != "a2" || tok.RefreshToken != "r2" {
		t.Fatalf("unexpected token %+v", tok)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := tok.ExpiresAt(now); !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires at %v", got)
	}
}

func TestRefreshRejectsIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "only-access", "expires_in": 60})
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Refresh(context.Background(), "r")
	if !errors.Is(err, ErrIncompleteTokenResponse) {
		t.Fatalf("expected ErrIncompleteTokenResponse, got %v", err)
	}
}

func TestExchangeCodeStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "abc" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("redirect_uri") != "https://badges.example.com/api/v1/oauth/callback" {
			t.Errorf("redirect_uri = %q", r.PostForm.Get("redirect_uri"))
		}
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ExchangeCode(context.Background(), "abc")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
}

func TestFetchProfileUnwrapsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"status":{"success":true},"result":[{"entityId":"e1","email":"ada@example.com","firstName":"Ada","lastName":"Lovelace","username":"ada"}]}`))
	}))
	defer srv.Close()

	p, err := newTestClient(srv).FetchProfile(context.Background(), "tok")
	if err != nil {
		t.Fatalf("FetchProfile: %v", err)
	}
	if p.Username != "ada" || p.FullName() != "Ada Lovelace" {
		t.Fatalf("unexpected profile %+v", p)
	}
}
