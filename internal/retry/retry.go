// Package retry holds the exponential backoff schedule shared by every
// outbound call of the issuance pipeline.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tour-badges/badge-issuer/internal/config"
)

// Policy bounds the number of attempts and the wait between them.
type Policy struct {
	Attempts   int
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

// DefaultPolicy is three attempts, starting at one second and capped at eight.
var DefaultPolicy = Policy{Attempts: 3, MinTimeout: time.Second, MaxTimeout: 8 * time.Second}

// FromConfig builds a policy from the retry configuration block.
func FromConfig(cfg config.RetryConfig) Policy {
	p := Policy{Attempts: cfg.Attempts, MinTimeout: cfg.MinTimeout, MaxTimeout: cfg.MaxTimeout}
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.MinTimeout <= 0 {
		p.MinTimeout = DefaultPolicy.MinTimeout
	}
	if p.MaxTimeout < p.MinTimeout {
		p.MaxTimeout = p.MinTimeout
	}
	return p
}

// NotifyFunc observes a failed attempt before the wait that follows it.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Permanent marks err as terminal so no further attempt is made.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinTimeout
	b.MaxInterval = p.MaxTimeout
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Schedule returns the waits that follow the first n failed attempts.
func (p Policy) Schedule(n int) []time.Duration {
	b := p.backOff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Do runs op until it succeeds, returns a Permanent error, or the attempt
// budget is spent. The last error is returned on exhaustion.
func Do[T any](ctx context.Context, p Policy, op func(attempt int) (T, error), notify NotifyFunc) (T, error) {
	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.Attempts)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}))
	}
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(attempt)
	}, opts...)
}
