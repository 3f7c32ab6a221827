// Package issuance performs one user's badge request against the badge service.
package issuance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/observability"
	"github.com/tour-badges/badge-issuer/internal/retry"
)

const maxBodyBytes = 1 << 20

// StatusError is a non-2xx response from the badge service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// statusOf maps a call error to the status code reported in the outcome.
func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return http.StatusInternalServerError
}

// BadgeRecorder stores the identifier returned by the badge service.
type BadgeRecorder interface {
	RecordBadge(ctx context.Context, id int64, badgeID string) error
}

// Client issues badges through a Strategy with bounded retries.
type Client struct {
	strategy   Strategy
	recorder   BadgeRecorder
	httpClient *http.Client
	policy     retry.Policy
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// ClientOptions bundles the optional collaborators of a Client.
type ClientOptions struct {
	HTTPClient    *http.Client
	Policy        retry.Policy
	RatePerSecond float64
	Burst         int
	Metrics       *observability.Metrics
}

// NewClient builds an issuance client.
func NewClient(strategy Strategy, recorder BadgeRecorder, logger *zap.Logger, opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	policy := opts.Policy
	if policy.Attempts <= 0 {
		policy = retry.DefaultPolicy
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		strategy:   strategy,
		recorder:   recorder,
		httpClient: httpClient,
		policy:     policy,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
		metrics:    opts.Metrics,
	}
}

// Issue requests a badge for user. It never returns an error or panics; every
// failure is reported in the outcome.
func (c *Client) Issue(ctx context.Context, user domain.User) (outcome domain.IssuanceOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("issuance panicked", zap.String("email", user.Email), zap.Any("panic", r))
			outcome = domain.IssuanceOutcome{Error: fmt.Sprintf("unexpected failure: %v", r), StatusCode: http.StatusInternalServerError}
		}
		c.metrics.RecordIssuance(outcome.Success, outcome.StatusCode)
	}()

	if strings.TrimSpace(user.Email) == "" || strings.TrimSpace(user.Name) == "" {
		return domain.IssuanceOutcome{Error: "Email and name are required", StatusCode: http.StatusBadRequest}
	}

	req, err := c.strategy.Prepare(ctx, user)
	if err != nil {
		return failureOutcome(err)
	}

	body, err := retry.Do(ctx, c.policy, func(int) ([]byte, error) {
		return c.send(ctx, req)
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Info("retrying badge service call",
			zap.String("email", user.Email),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return domain.IssuanceOutcome{Error: err.Error(), StatusCode: statusOf(err)}
	}

	badgeID, ok := c.strategy.Parse(body)
	if !ok {
		return domain.IssuanceOutcome{
			Payload:    body,
			Error:      "Unexpected response from badge service",
			StatusCode: http.StatusBadGateway,
		}
	}

	if err := c.recorder.RecordBadge(ctx, user.ID, badgeID); err != nil {
		// The remote badge exists; the next run may issue it again.
		c.logger.Error("badge created but database update failed",
			zap.String("email", user.Email),
			zap.String("badge_id", badgeID),
			zap.Error(err))
		return domain.IssuanceOutcome{
			Payload:    body,
			BadgeID:    badgeID,
			Error:      "Badge created but database update failed",
			StatusCode: http.StatusInternalServerError,
		}
	}

	return domain.IssuanceOutcome{Success: true, Payload: body, BadgeID: badgeID, StatusCode: http.StatusOK}
}

func (c *Client) send(ctx context.Context, r *Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func failureOutcome(err error) domain.IssuanceOutcome {
	var f *Failure
	if errors.As(err, &f) {
		return domain.IssuanceOutcome{Error: f.Message, StatusCode: f.StatusCode}
	}
	return domain.IssuanceOutcome{Error: err.Error(), StatusCode: http.StatusInternalServerError}
}
