package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/batch"
	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/persistence"
)

type countingRunner struct {
	runs int32
}

func (r *countingRunner) Run(ctx context.Context) batch.Summary {
	atomic.AddInt32(&r.runs, 1)
	return batch.Summary{RunID: "run", Result: batch.ResultEmpty}
}

type fakeLock struct {
	held       bool
	err        error
	releases   int
	lastTTL    time.Duration
	lastToken  string
	releasedBy string
}

func (l *fakeLock) AcquireLock(_ context.Context, _ string, ttl time.Duration) (string, bool, error) {
	l.lastTTL = ttl
	if l.err != nil {
		return "", false, l.err
	}
	if l.held {
		return "", false, nil
	}
	l.lastToken = "tok"
	return l.lastToken, true, nil
}

func (l *fakeLock) ReleaseLock(_ context.Context, _ string, token string) error {
	l.releases++
	l.releasedBy = token
	return nil
}

func TestRunOnce(t *testing.T) {
	cases := []struct {
		name         string
		lock         *fakeLock
		wantRan      bool
		wantReleases int
	}{
		{name: "lock acquired", lock: &fakeLock{}, wantRan: true, wantReleases: 1},
		{name: "lock held elsewhere", lock: &fakeLock{held: true}, wantRan: false},
		{name: "lock backend down", lock: &fakeLock{err: errors.New("dial tcp: refused")}, wantRan: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &countingRunner{}
			s := NewScheduler(runner, tc.lock, config.ScheduleConfig{LockTTL: time.Minute}, zap.NewNop())
			_, ran := s.RunOnce(context.Background())
			if ran != tc.wantRan || (runner.runs == 1) != tc.wantRan {
				t.Fatalf("ran = %v, runs = %d", ran, runner.runs)
			}
			if tc.lock.releases != tc.wantReleases {
				t.Fatalf("releases = %d, want %d", tc.lock.releases, tc.wantReleases)
			}
			if tc.wantReleases > 0 && tc.lock.releasedBy != "tok" {
				t.Fatalf("released with %q", tc.lock.releasedBy)
			}
			if tc.lock.lastTTL != time.Minute {
				t.Fatalf("ttl = %s", tc.lock.lastTTL)
			}
		})
	}
}

func TestRunOnceWithoutLock(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, nil, config.ScheduleConfig{}, zap.NewNop())
	if _, ran := s.RunOnce(context.Background()); !ran || runner.runs != 1 {
		t.Fatalf("ran = %v, runs = %d", ran, runner.runs)
	}
}

func TestStartTicksUntilCancelled(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, nil, config.ScheduleConfig{Interval: 5 * time.Millisecond, RunOnStart: true}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&runner.runs) < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d runs before deadline", atomic.LoadInt32(&runner.runs))
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type nestedRunner struct {
	other      *Scheduler
	innerRan   bool
	innerTried bool
}

func (r *nestedRunner) Run(ctx context.Context) batch.Summary {
	if r.other != nil {
		r.innerTried = true
		_, r.innerRan = r.other.RunOnce(ctx)
	}
	return batch.Summary{RunID: "outer", Result: batch.ResultEmpty}
}

func TestRunOnceRedisLockExcludesOverlap(t *testing.T) {
	srv := miniredis.RunT(t)
	lock := persistence.NewRedis(context.Background(), config.RedisConfig{Addr: srv.Addr()}, zap.NewNop())
	defer lock.Close()

	cfg := config.ScheduleConfig{LockTTL: time.Minute}
	replica := NewScheduler(&countingRunner{}, lock, cfg, zap.NewNop())
	runner := &nestedRunner{other: replica}
	s := NewScheduler(runner, lock, cfg, zap.NewNop())

	if _, ran := s.RunOnce(context.Background()); !ran {
		t.Fatal("outer run skipped")
	}
	if !runner.innerTried || runner.innerRan {
		t.Fatalf("overlapping run: tried = %v, ran = %v", runner.innerTried, runner.innerRan)
	}
	if srv.Exists(RunLockKey) {
		t.Fatal("lock not released after run")
	}
	if _, ran := replica.RunOnce(context.Background()); !ran {
		t.Fatal("replica could not run after release")
	}
}
