// Package batch runs one badge issuance pass over every pending user.
package batch

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/observability"
)

// DefaultChunkSize is the number of users issued concurrently.
const DefaultChunkSize = 10

// CriticalContext tags critical-error notifications raised by a run.
const CriticalContext = "badge issuance processing"

// Run results, also used as metric labels.
const (
	ResultEmpty    = "empty"
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultCritical = "critical"
)

// UserStore is the persistence a run needs.
type UserStore interface {
	ListPending(ctx context.Context) ([]domain.User, error)
	MarkIssued(ctx context.Context, ids []int64) error
}

// Issuer issues one user's badge and reports every failure as data.
type Issuer interface {
	Issue(ctx context.Context, user domain.User) domain.IssuanceOutcome
}

// Notifier receives the single report of a run.
type Notifier interface {
	SendErrorReport(ctx context.Context, report domain.RunReport) bool
	SendSuccessReport(ctx context.Context, report domain.RunReport) bool
	SendCriticalError(ctx context.Context, err error, where string) bool
}

// PanicError is a recovered panic with the stack of the goroutine that raised it.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// StackTrace returns the captured stack.
func (e *PanicError) StackTrace() string { return e.Stack }

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Result     string
	ChunkSizes []int
	Successful []domain.User
	Failed     []domain.BadgeIssuanceError
	Report     *domain.RunReport
	Critical   error
	Notified   bool
}

// Orchestrator partitions pending users into chunks and issues them.
type Orchestrator struct {
	store       UserStore
	issuer      Issuer
	notifier    Notifier
	chunkSize   int
	environment string
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the report channel. Without one, reports are only logged.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics records run metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator.
func New(store UserStore, issuer Issuer, cfg config.BatchConfig, environment string, logger *zap.Logger, opts ...Option) *Orchestrator {
	size := cfg.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	o := &Orchestrator{
		store:       store,
		issuer:      issuer,
		chunkSize:   size,
		environment: environment,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Run processes every user pending at call time and sends at most one report.
// It never returns an error; a failure of the run itself is reported as critical.
func (o *Orchestrator) Run(ctx context.Context) (summary Summary) {
	start := o.now()
	summary.RunID = uuid.NewString()
	logger := o.logger.With(zap.String("run_id", summary.RunID))

	// Once a report has been handed to the notifier no further message is sent.
	reporting := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		pe := &PanicError{Value: r, Stack: string(debug.Stack())}
		if reporting {
			logger.Error("panic while sending run report", zap.Error(pe))
			summary.Critical = pe
			summary.Notified = false
			o.metrics.RecordRun(summary.Result, o.now().Sub(start))
			return
		}
		summary = o.critical(ctx, logger, summary.RunID, start, pe)
	}()

	users, err := o.store.ListPending(ctx)
	if err != nil {
		return o.critical(ctx, logger, summary.RunID, start, fmt.Errorf("fetch pending users: %w", err))
	}
	if len(users) == 0 {
		logger.Info("no pending users to process")
		summary.Result = ResultEmpty
		o.metrics.RecordRun(ResultEmpty, o.now().Sub(start))
		return summary
	}

	chunks := Chunk(users, o.chunkSize)
	logger.Info("starting badge issuance run", zap.Int("pending", len(users)), zap.Int("chunks", len(chunks)))

	for i, chunk := range chunks {
		logger.Info("processing chunk", zap.Int("chunk", i+1), zap.Int("of", len(chunks)), zap.Int("size", len(chunk)))
		successful, failed := o.processChunk(ctx, logger, chunk)
		summary.ChunkSizes = append(summary.ChunkSizes, len(chunk))
		summary.Successful = append(summary.Successful, successful...)
		summary.Failed = append(summary.Failed, failed...)
	}

	duration := o.now().Sub(start)
	report := domain.RunReport{
		RunID:          summary.RunID,
		TotalProcessed: len(users),
		TotalSuccess:   len(summary.Successful),
		TotalFailed:    len(summary.Failed),
		Environment:    o.environment,
		Duration:       duration,
		Timestamp:      o.now(),
		FailedUsers:    summary.Failed,
	}
	summary.Report = &report

	if report.TotalSuccess+report.TotalFailed != report.TotalProcessed {
		logger.Error("run accounting mismatch",
			zap.Int("processed", report.TotalProcessed),
			zap.Int("success", report.TotalSuccess),
			zap.Int("failed", report.TotalFailed))
	}

	reporting = true
	switch {
	case report.TotalFailed > 0:
		summary.Result = ResultFailure
		summary.Notified = o.notifier != nil && o.notifier.SendErrorReport(ctx, report)
	case report.TotalSuccess > 0:
		summary.Result = ResultSuccess
		summary.Notified = o.notifier != nil && o.notifier.SendSuccessReport(ctx, report)
	default:
		summary.Result = ResultEmpty
	}
	o.metrics.RecordRun(summary.Result, duration)

	logger.Info("badge issuance run complete",
		zap.Int("processed", report.TotalProcessed),
		zap.Int("success", report.TotalSuccess),
		zap.Int("failed", report.TotalFailed),
		zap.Duration("duration", duration),
		zap.Bool("notified", summary.Notified))
	return summary
}

// processChunk issues every user of chunk concurrently, then persists the
// successes with one bulk update. Every user ends up in exactly one of the
// two returned slices.
func (o *Orchestrator) processChunk(ctx context.Context, logger *zap.Logger, chunk []domain.User) ([]domain.User, []domain.BadgeIssuanceError) {
	outcomes := make([]domain.IssuanceOutcome, len(chunk))
	var wg sync.WaitGroup
	for i := range chunk {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("issuance panicked", zap.String("email", chunk[i].Email), zap.Any("panic", r))
					outcomes[i] = domain.IssuanceOutcome{
						Error:      fmt.Sprintf("unexpected failure: %v", r),
						StatusCode: http.StatusInternalServerError,
					}
				}
			}()
			outcomes[i] = o.issuer.Issue(ctx, chunk[i])
		}(i)
	}
	wg.Wait()

	var (
		successful []domain.User
		failed     []domain.BadgeIssuanceError
	)
	for i, outcome := range outcomes {
		if outcome.Success {
			successful = append(successful, chunk[i])
			continue
		}
		msg := outcome.Error
		if msg == "" {
			msg = "Unknown error"
		}
		failed = append(failed, domain.NewIssuanceError(chunk[i], msg, o.now()))
	}

	if len(successful) == 0 {
		return nil, failed
	}

	ids := make([]int64, len(successful))
	for i, u := range successful {
		ids[i] = u.ID
	}
	if err := o.store.MarkIssued(ctx, ids); err != nil {
		logger.Error("failed to mark users issued", zap.Int64s("ids", ids), zap.Error(err))
		msg := "Database update failed: " + err.Error()
		for _, u := range successful {
			failed = append(failed, domain.NewIssuanceError(u, msg, o.now()))
		}
		return nil, failed
	}
	logger.Info("marked users issued", zap.Int("count", len(ids)))
	return successful, failed
}

func (o *Orchestrator) critical(ctx context.Context, logger *zap.Logger, runID string, start time.Time, err error) Summary {
	logger.Error("critical error in badge issuance run", zap.Error(err))
	o.metrics.RecordRun(ResultCritical, o.now().Sub(start))
	return Summary{
		RunID:    runID,
		Result:   ResultCritical,
		Critical: err,
		Notified: o.notifier != nil && o.notifier.SendCriticalError(ctx, err, CriticalContext),
	}
}
