package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/retry"
	"github.com/tour-badges/badge-issuer/internal/vault"
)

var fastPolicy = retry.Policy{Attempts: 3, MinTimeout: time.Millisecond, MaxTimeout: 4 * time.Millisecond}

type recorder struct {
	err     error
	records map[int64]string
}

func (r *recorder) RecordBadge(_ context.Context, id int64, badgeID string) error {
	if r.err != nil {
		return r.err
	}
	if r.records == nil {
		r.records = map[int64]string{}
	}
	r.records[id] = badgeID
	return nil
}

type userReader struct {
	users map[int64]domain.User
}

func (u userReader) GetByID(_ context.Context, id int64) (*domain.User, error) {
	user, ok := u.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &user, nil
}

type tokenSource struct {
	token string
	err   error
}

func (t tokenSource) GetValidAccessToken(context.Context, string) (string, error) {
	return t.token, t.err
}

func ada() domain.User {
	username := "ada"
	return domain.User{ID: 1, Email: "ada@example.com", Name: "Ada Lovelace", Status: domain.IssuanceStatusPending, BadgrUsername: &username}
}

func sharedKeyClient(t *testing.T, srv *httptest.Server, rec *recorder) *Client {
	t.Helper()
	strategy := NewSharedKeyStrategy(config.IssuanceConfig{BaseURL: srv.URL, APIKey: "key-1", StickerID: "sticker-9"})
	return NewClient(strategy, rec, zap.NewNop(), ClientOptions{HTTPClient: srv.Client(), Policy: fastPolicy})
}

const couponBody = `{"message":"Coupon created","data":{"id":"cpn_123"}}`

func TestIssueValidation(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()
	client := sharedKeyClient(t, srv, &recorder{})

	for _, user := range []domain.User{{ID: 1, Name: "No Email"}, {ID: 2, Email: "x@example.com"}} {
		out := client.Issue(context.Background(), user)
		if out.Success || out.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 failure, got %+v", out)
		}
	}
	if calls != 0 {
		t.Fatalf("expected no network calls, got %d", calls)
	}
}

func TestIssueSharedKeySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sticker/share" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("id") != "sticker-9" || r.URL.Query().Get("apiKey") != "key-1" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "ada@example.com" {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(couponBody))
	}))
	defer srv.Close()

	rec := &recorder{}
	out := sharedKeyClient(t, srv, rec).Issue(context.Background(), ada())
	if !out.Success || out.StatusCode != http.StatusOK || out.BadgeID != "cpn_123" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if rec.records[1] != "cpn_123" {
		t.Fatalf("badge not recorded: %v", rec.records)
	}
}

func TestIssueRetryBudget(t *testing.T) {
	cases := []struct {
		name        string
		failures    int32
		wantSuccess bool
		wantStatus  int
		wantCalls   int32
	}{
		{name: "two failures then success", failures: 2, wantSuccess: true, wantStatus: http.StatusOK, wantCalls: 3},
		{name: "three failures", failures: 3, wantSuccess: false, wantStatus: http.StatusServiceUnavailable, wantCalls: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				if n <= tc.failures {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte(couponBody))
			}))
			defer srv.Close()

			out := sharedKeyClient(t, srv, &recorder{}).Issue(context.Background(), ada())
			if out.Success != tc.wantSuccess || out.StatusCode != tc.wantStatus {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
			if tc.wantSuccess && out.Error != "" {
				t.Fatalf("expected no error entry, got %q", out.Error)
			}
			if !tc.wantSuccess && out.Error != "HTTP 503: Service Unavailable" {
				t.Fatalf("expected final attempt error, got %q", out.Error)
			}
		})
	}
}

func TestIssueUnexpectedPayloadIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"message":"Something else"}`))
	}))
	defer srv.Close()

	out := sharedKeyClient(t, srv, &recorder{}).Issue(context.Background(), ada())
	if out.Success || out.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %+v", out)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestIssueRecordFailureAfterRemoteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(couponBody))
	}))
	defer srv.Close()

	out := sharedKeyClient(t, srv, &recorder{err: errors.New("db down")}).Issue(context.Background(), ada())
	if out.Success || out.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %+v", out)
	}
	if out.Error != "Badge created but database update failed" || out.BadgeID != "cpn_123" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestIssueNetworkErrorExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client := sharedKeyClient(t, srv, &recorder{})
	srv.Close()

	out := client.Issue(context.Background(), ada())
	if out.Success || out.StatusCode != http.StatusInternalServerError || out.Error == "" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func oauthClient(t *testing.T, srv *httptest.Server, users userReader, tokens tokenSource, classID string) *Client {
	t.Helper()
	cfg := config.IssuanceConfig{Mode: config.IssuanceModeOAuth, BaseURL: srv.URL, BadgeClassID: classID}
	strategy, err := NewStrategy(cfg, StrategyDeps{Tokens: tokens, Users: users, HTTPClient: srv.Client(), Policy: fastPolicy})
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	return NewClient(strategy, &recorder{}, zap.NewNop(), ClientOptions{HTTPClient: srv.Client(), Policy: fastPolicy, RatePerSecond: 1000, Burst: 10})
}

func TestIssueOAuthSuccessResolvesBadgeClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer user-token" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v2/badgeclasses":
			_, _ = w.Write([]byte(`{"status":{"success":true},"result":[{"entityId":"cls1"}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v2/badgeclasses/cls1/assertions":
			var req assertionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Recipient.Identity != "ada@example.com" || req.Recipient.Type != "email" {
				t.Errorf("recipient = %+v", req.Recipient)
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"status":{"success":true,"description":"ok"},"result":[{"entityId":"asrt9"}]}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	users := userReader{users: map[int64]domain.User{1: ada()}}
	out := oauthClient(t, srv, users, tokenSource{token: "user-token"}, "").Issue(context.Background(), ada())
	if !out.Success || out.BadgeID != "asrt9" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestIssueOAuthTerminalFailures(t *testing.T) {
	issued := ada()
	issued.Status = domain.IssuanceStatusIssued
	unlinked := ada()
	unlinked.BadgrUsername = nil

	cases := []struct {
		name       string
		stored     domain.User
		tokens     tokenSource
		classes    string
		wantStatus int
	}{
		{name: "already issued", stored: issued, tokens: tokenSource{token: "t"}, wantStatus: http.StatusConflict},
		{name: "no linked account", stored: unlinked, tokens: tokenSource{token: "t"}, wantStatus: http.StatusUnauthorized},
		{name: "expired credential", stored: ada(), tokens: tokenSource{err: fmt.Errorf("%w: refresh denied", vault.ErrRefresh)}, wantStatus: http.StatusUnauthorized},
		{name: "store failure", stored: ada(), tokens: tokenSource{err: errors.New("connection reset")}, wantStatus: http.StatusInternalServerError},
		{name: "badge class missing", stored: ada(), tokens: tokenSource{token: "t"}, classes: `{"status":{"success":true},"result":[]}`, wantStatus: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var posts int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					atomic.AddInt32(&posts, 1)
				}
				_, _ = w.Write([]byte(tc.classes))
			}))
			defer srv.Close()

			users := userReader{users: map[int64]domain.User{1: tc.stored}}
			out := oauthClient(t, srv, users, tc.tokens, "").Issue(context.Background(), ada())
			if out.Success || out.StatusCode != tc.wantStatus {
				t.Fatalf("expected %d, got %+v", tc.wantStatus, out)
			}
			if posts != 0 {
				t.Fatalf("expected no issuance call, got %d", posts)
			}
		})
	}
}

func TestOAuthParseRequiresMarker(t *testing.T) {
	s := &OAuthStrategy{}
	if _, ok := s.Parse([]byte(`{"status":{"success":false},"result":[{"entityId":"x"}]}`)); ok {
		t.Fatal("expected failure without success marker")
	}
	if id, ok := s.Parse([]byte(`{"status":{"success":true},"result":[{"entityId":"x"}]}`)); !ok || id != "x" {
		t.Fatalf("Parse = %q, %v", id, ok)
	}
}

func TestNewStrategyRejectsUnknownMode(t *testing.T) {
	if _, err := NewStrategy(config.IssuanceConfig{Mode: "fax"}, StrategyDeps{}); err == nil || !strings.Contains(err.Error(), "fax") {
		t.Fatalf("expected unknown mode error, got %v", err)
	}
}
