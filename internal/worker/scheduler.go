// Package worker triggers batch issuance runs on a fixed interval.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/batch"
	"github.com/tour-badges/badge-issuer/internal/config"
)

// RunLockKey guards against overlapping runs across replicas.
const RunLockKey = "badge-issuer:run-lock"

// Runner performs one issuance run.
type Runner interface {
	Run(ctx context.Context) batch.Summary
}

// Locker is a best-effort distributed mutex.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Scheduler calls Runner every interval.
type Scheduler struct {
	runner     Runner
	lock       Locker
	interval   time.Duration
	lockTTL    time.Duration
	runOnStart bool
	logger     *zap.Logger
}

// NewScheduler builds a scheduler. lock may be nil.
func NewScheduler(runner Runner, lock Locker, cfg config.ScheduleConfig, logger *zap.Logger) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Scheduler{
		runner:     runner,
		lock:       lock,
		interval:   interval,
		lockTTL:    ttl,
		runOnStart: cfg.RunOnStart,
		logger:     logger,
	}
}

// Start blocks, triggering runs until ctx is cancelled. A run in progress
// is never interrupted by cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("issuance scheduler started", zap.Duration("interval", s.interval))
	if s.runOnStart {
		s.RunOnce(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("issuance scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce takes the run lock and performs one run. It reports false when
// another holder has the lock. A lock backend failure does not prevent the run.
func (s *Scheduler) RunOnce(ctx context.Context) (batch.Summary, bool) {
	runCtx := context.WithoutCancel(ctx)

	if s.lock != nil {
		token, ok, err := s.lock.AcquireLock(runCtx, RunLockKey, s.lockTTL)
		switch {
		case err != nil:
			s.logger.Warn("run lock unavailable, running unguarded", zap.Error(err))
		case !ok:
			s.logger.Info("another issuance run holds the lock, skipping")
			return batch.Summary{}, false
		default:
			defer func() {
				if err := s.lock.ReleaseLock(runCtx, RunLockKey, token); err != nil {
					s.logger.Warn("failed to release run lock", zap.Error(err))
				}
			}()
		}
	}

	summary := s.runner.Run(runCtx)
	s.logger.Info("issuance run finished", zap.String("run_id", summary.RunID), zap.String("result", summary.Result))
	return summary, true
}
