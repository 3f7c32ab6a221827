package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/oauth"
)

const testKey = "vault-test-passphrase"

type fakeStore struct {
	users     map[string]*domain.User
	updateErr error
	updates   []domain.TokenSet
}

func (s *fakeStore) GetByBadgrUsername(_ context.Context, username string) (*domain.User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) UpdateTokens(_ context.Context, id int64, tokens domain.TokenSet) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates = append(s.updates, tokens)
	for _, u := range s.users {
		if u.ID == id {
			access, refresh, exp := tokens.EncryptedAccess, tokens.EncryptedRefresh, tokens.ExpiresAt
			u.EncryptedBearerToken, u.EncryptedRefreshToken, u.TokenExpiresAt = &access, &refresh, &exp
		}
	}
	return nil
}

type fakeExchanger struct {
	resp  *oauth.TokenResponse
	err   error
	calls int
	got   string
}

func (e *fakeExchanger) Refresh(_ context.Context, refreshToken string) (*oauth.TokenResponse, error) {
	e.calls++
	e.got = refreshToken
	return e.resp, e.err
}

func mustEncrypt(t *testing.T, plain string) *string {
	t.Helper()
	blob, err := Encrypt(plain, testKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return &blob
}

func userWithTokens(t *testing.T, expiresAt time.Time) *domain.User {
	username := "ada"
	return &domain.User{
		ID:                    7,
		Email:                 "ada@example.com",
		Name:                  "Ada",
		BadgrUsername:         &username,
		EncryptedBearerToken:  mustEncrypt(t, "access-1"),
		EncryptedRefreshToken: mustEncrypt(t, "refresh-1"),
		TokenExpiresAt:        &expiresAt,
	}
}

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func newVault(store TokenStore, ex TokenExchanger) *Vault {
	return New(store, ex, testKey, zap.NewNop(), WithClock(func() time.Time { return fixedNow }))
}

func TestIsExpiredBuffer(t *testing.T) {
	expiresAt := fixedNow.Add(time.Hour)
	boundary := expiresAt.Add(-ExpiryBuffer)

	if !IsExpired(expiresAt, boundary) {
		t.Fatal("expected expired exactly at the buffer boundary")
	}
	if IsExpired(expiresAt, boundary.Add(-time.Second)) {
		t.Fatal("expected valid one second before the buffer boundary")
	}
	if !IsExpired(expiresAt, expiresAt.Add(time.Second)) {
		t.Fatal("expected expired after expiry")
	}
}

func TestGetAccessToken(t *testing.T) {
	valid := userWithTokens(t, fixedNow.Add(time.Hour))
	expired := userWithTokens(t, fixedNow)
	expiredName := "grace"
	expired.BadgrUsername = &expiredName
	malformed := userWithTokens(t, fixedNow.Add(time.Hour))
	malformedName, short := "linus", "c2hvcnQ="
	malformed.BadgrUsername, malformed.EncryptedBearerToken = &malformedName, &short
	noToken := &domain.User{ID: 9, BadgrUsername: func() *string { s := "ken"; return &s }()}
	expiredMalformed := userWithTokens(t, fixedNow.Add(-time.Minute))
	expiredMalformedName := "barbara"
	expiredMalformed.BadgrUsername, expiredMalformed.EncryptedBearerToken = &expiredMalformedName, &short

	store := &fakeStore{users: map[string]*domain.User{
		"ada": valid, "grace": expired, "linus": malformed, "ken": noToken, "barbara": expiredMalformed,
	}}
	v := newVault(store, &fakeExchanger{})

	got, err := v.GetAccessToken(context.Background(), "ada")
	if err != nil || got != "access-1" {
		t.Fatalf("GetAccessToken(ada) = %q, %v", got, err)
	}

	cases := []struct {
		username string
		want     error
	}{
		{username: "nobody", want: ErrNotFound},
		{username: "ken", want: ErrNotFound},
		{username: "grace", want: ErrExpired},
		{username: "linus", want: ErrFormat},
		{username: "barbara", want: ErrExpired},
	}
	for _, tc := range cases {
		t.Run(tc.username, func(t *testing.T) {
			_, err := v.GetAccessToken(context.Background(), tc.username)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !IsCredentialError(err) {
				t.Fatalf("expected credential error, got %v", err)
			}
		})
	}
}

func TestGetValidAccessTokenWithinBufferRefreshes(t *testing.T) {
	user := userWithTokens(t, fixedNow.Add(4*time.Minute))
	store := &fakeStore{users: map[string]*domain.User{"ada": user}}
	ex := &fakeExchanger{resp: &oauth.TokenResponse{AccessToken: "access-2", RefreshToken: "refresh-2", ExpiresIn: 3600}}
	v := newVault(store, ex)

	got, err := v.GetValidAccessToken(context.Background(), "ada")
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if got != "access-2" {
		t.Fatalf("got %q, want refreshed token", got)
	}
	if ex.got != "refresh-1" {
		t.Fatalf("exchanged %q, want decrypted refresh token", ex.got)
	}
	if len(store.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(store.updates))
	}
	upd := store.updates[0]
	if !upd.ExpiresAt.Equal(fixedNow.Add(time.Hour)) {
		t.Fatalf("expires at %v", upd.ExpiresAt)
	}
	if a, _ := Decrypt(upd.EncryptedAccess, testKey); a != "access-2" {
		t.Fatalf("stored access decrypts to %q", a)
	}
	if r, _ := Decrypt(upd.EncryptedRefresh, testKey); r != "refresh-2" {
		t.Fatalf("stored refresh decrypts to %q", r)
	}
}

func TestGetValidAccessTokenOutsideBufferDoesNotRefresh(t *testing.T) {
	user := userWithTokens(t, fixedNow.Add(5*time.Minute+time.Second))
	ex := &fakeExchanger{}
	v := newVault(&fakeStore{users: map[string]*domain.User{"ada": user}}, ex)

	got, err := v.GetValidAccessToken(context.Background(), "ada")
	if err != nil || got != "access-1" {
		t.Fatalf("GetValidAccessToken = %q, %v", got, err)
	}
	if ex.calls != 0 {
		t.Fatalf("unexpected refresh")
	}
}

func TestRefreshFailures(t *testing.T) {
	cases := []struct {
		name      string
		resp      *oauth.TokenResponse
		exErr     error
		updateErr error
	}{
		{name: "endpoint error", exErr: errors.New("503")},
		{name: "missing refresh token", resp: &oauth.TokenResponse{AccessToken: "a", ExpiresIn: 60}},
		{name: "persist failure", resp: &oauth.TokenResponse{AccessToken: "a", RefreshToken: "r", ExpiresIn: 60}, updateErr: errors.New("db down")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user := userWithTokens(t, fixedNow.Add(-time.Minute))
			original := *user.EncryptedBearerToken
			store := &fakeStore{users: map[string]*domain.User{"ada": user}, updateErr: tc.updateErr}
			v := newVault(store, &fakeExchanger{resp: tc.resp, err: tc.exErr})

			_, err := v.Refresh(context.Background(), "ada")
			if !errors.Is(err, ErrRefresh) {
				t.Fatalf("expected ErrRefresh, got %v", err)
			}
			if *store.users["ada"].EncryptedBearerToken != original {
				t.Fatal("old tokens must stay authoritative on failure")
			}
		})
	}
}

func TestRefreshWithoutStoredRefreshToken(t *testing.T) {
	user := userWithTokens(t, fixedNow)
	user.EncryptedRefreshToken = nil
	v := newVault(&fakeStore{users: map[string]*domain.User{"ada": user}}, &fakeExchanger{})
	if _, err := v.Refresh(context.Background(), "ada"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSealComputesExpiry(t *testing.T) {
	v := newVault(&fakeStore{}, &fakeExchanger{})
	set, err := v.Seal("a", "r", 120)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !set.ExpiresAt.Equal(fixedNow.Add(2 * time.Minute)) {
		t.Fatalf("expires at %v", set.ExpiresAt)
	}
	if set.EncryptedAccess == set.EncryptedRefresh {
		t.Fatal("expected independent ciphertexts")
	}
}
