// Package notify delivers run reports to the operator's Slack channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tour-badges/badge-issuer/internal/config"
	"github.com/tour-badges/badge-issuer/internal/domain"
	"github.com/tour-badges/badge-issuer/internal/observability"
	"github.com/tour-badges/badge-issuer/internal/retry"
)

const (
	colorFailure = "#ff0000"
	colorSuccess = "#00ff00"
	footer       = "Tour Badges System"

	// maxListedFailures caps the failed users rendered in an error report.
	maxListedFailures = 10
)

// Message is the incoming-webhook payload.
type Message struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a rich message block.
type Attachment struct {
	Color  string  `json:"color"`
	Title  string  `json:"title"`
	Text   string  `json:"text"`
	Fields []Field `json:"fields,omitempty"`
	Footer string  `json:"footer,omitempty"`
	Ts     int64   `json:"ts"`
}

// Field is one title/value pair of an attachment.
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// StackTracer is implemented by errors that carry a diagnostic trace.
type StackTracer interface {
	StackTrace() string
}

// SlackNotifier posts messages to one incoming webhook. A nil *SlackNotifier
// is valid and delivers nothing.
type SlackNotifier struct {
	webhookURL  string
	environment string
	httpClient  *http.Client
	policy      retry.Policy
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// Option customizes a SlackNotifier.
type Option func(*SlackNotifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *SlackNotifier) { n.httpClient = c }
}

// WithPolicy overrides the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(n *SlackNotifier) { n.policy = p }
}

// WithMetrics records delivery results.
func WithMetrics(m *observability.Metrics) Option {
	return func(n *SlackNotifier) { n.metrics = m }
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *SlackNotifier) { n.now = now }
}

// New returns a notifier for cfg, or nil when no webhook is configured.
func New(cfg config.NotificationConfig, environment string, logger *zap.Logger, opts ...Option) *SlackNotifier {
	if strings.TrimSpace(cfg.SlackWebhookURL) == "" {
		logger.Warn("SLACK_WEBHOOK_URL not configured, Slack notifications disabled")
		return nil
	}
	n := &SlackNotifier{
		webhookURL:  cfg.SlackWebhookURL,
		environment: environment,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		policy:      retry.DefaultPolicy,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SendMessage posts a plain text message.
func (n *SlackNotifier) SendMessage(ctx context.Context, text string) bool {
	return n.deliver(ctx, "message", Message{Text: text})
}

// SendErrorReport posts the report of a run that had failures.
func (n *SlackNotifier) SendErrorReport(ctx context.Context, report domain.RunReport) bool {
	if n == nil {
		return false
	}
	return n.deliver(ctx, "error report", n.errorReportMessage(report))
}

// SendSuccessReport posts the report of a run without failures.
func (n *SlackNotifier) SendSuccessReport(ctx context.Context, report domain.RunReport) bool {
	if n == nil {
		return false
	}
	return n.deliver(ctx, "success report", n.successMessage(report))
}

// SendCriticalError posts a run-aborting failure tagged with where it happened.
func (n *SlackNotifier) SendCriticalError(ctx context.Context, err error, where string) bool {
	if n == nil {
		return false
	}
	return n.deliver(ctx, "critical error", n.criticalErrorMessage(err, where))
}

func (n *SlackNotifier) errorReportMessage(r domain.RunReport) Message {
	color, emoji := colorSuccess, "✅"
	if r.TotalFailed > 0 {
		color, emoji = colorFailure, "🚨"
	}

	fields := []Field{
		{Title: "Environment", Value: n.environmentOf(r), Short: true},
		{Title: "Total Processed", Value: strconv.Itoa(r.TotalProcessed), Short: true},
		{Title: "Successful", Value: strconv.Itoa(r.TotalSuccess), Short: true},
		{Title: "Failed", Value: strconv.Itoa(r.TotalFailed), Short: true},
		{Title: "Duration", Value: formatDuration(r.Duration), Short: true},
	}
	if r.RunID != "" {
		fields = append(fields, Field{Title: "Run ID", Value: r.RunID, Short: true})
	}
	if len(r.FailedUsers) > 0 {
		fields = append(fields, Field{Title: "Failed Users", Value: failedUserList(r.FailedUsers)})
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = n.now()
	}
	return Message{Attachments: []Attachment{{
		Color:  color,
		Title:  emoji + " Badge Issuance Report",
		Text:   fmt.Sprintf("Badge issuance completed with %d failures", r.TotalFailed),
		Fields: fields,
		Footer: footer,
		Ts:     ts.Unix(),
	}}}
}

func failedUserList(failed []domain.BadgeIssuanceError) string {
	var b strings.Builder
	for i, f := range failed {
		if i == maxListedFailures {
			break
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s (%s): %s", f.Name, f.Email, f.Error)
	}
	if len(failed) > maxListedFailures {
		b.WriteString("\n... and more")
	}
	return b.String()
}

func (n *SlackNotifier) successMessage(r domain.RunReport) Message {
	return Message{Attachments: []Attachment{{
		Color: colorSuccess,
		Title: "✅ Badge Issuance Success",
		Text:  fmt.Sprintf("Successfully processed %d out of %d users", r.TotalSuccess, r.TotalProcessed),
		Fields: []Field{
			{Title: "Environment", Value: n.environmentOf(r), Short: true},
			{Title: "Success Rate", Value: fmt.Sprintf("%.1f%%", r.SuccessRate()), Short: true},
			{Title: "Duration", Value: formatDuration(r.Duration), Short: true},
		},
		Footer: footer,
		Ts:     n.now().Unix(),
	}}}
}

func (n *SlackNotifier) criticalErrorMessage(err error, where string) Message {
	errType, errMsg, trace := "unknown", "unknown error", "No stack trace available"
	if err != nil {
		errType = errorType(err)
		errMsg = err.Error()
		var st StackTracer
		if errors.As(err, &st) && st.StackTrace() != "" {
			trace = st.StackTrace()
		}
	}
	return Message{Attachments: []Attachment{{
		Color: colorFailure,
		Title: "🚨 Critical Error in Tour Badges System",
		Text:  "A critical error occurred during " + where,
		Fields: []Field{
			{Title: "Environment", Value: n.environment, Short: true},
			{Title: "Error Type", Value: errType, Short: true},
			{Title: "Error Message", Value: errMsg},
			{Title: "Stack Trace", Value: trace},
		},
		Footer: footer,
		Ts:     n.now().Unix(),
	}}}
}

// environmentOf prefers the environment stamped on the report.
func (n *SlackNotifier) environmentOf(r domain.RunReport) string {
	if r.Environment != "" {
		return r.Environment
	}
	return n.environment
}

// errorType names the root cause rather than the wrapping layers.
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func formatDuration(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

// deliver posts msg with retries and reports whether the webhook accepted it.
// Failures are logged, never returned.
func (n *SlackNotifier) deliver(ctx context.Context, kind string, msg Message) bool {
	if n == nil {
		return false
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("failed to encode Slack "+kind, zap.Error(err))
		n.metrics.RecordNotification(kind, false)
		return false
	}

	_, err = retry.Do(ctx, n.policy, func(int) (struct{}, error) {
		return struct{}{}, n.post(ctx, payload)
	}, func(attempt int, err error, _ time.Duration) {
		n.logger.Info("retrying Slack "+kind, zap.Int("attempt", attempt), zap.Error(err))
	})
	n.metrics.RecordNotification(kind, err == nil)
	if err != nil {
		n.logger.Error("failed to send Slack "+kind, zap.Error(err))
		return false
	}
	return true
}

func (n *SlackNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
