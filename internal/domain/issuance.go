package domain

import (
	"encoding/json"
	"time"
)

// IssuanceOutcome is the result of one issuance attempt for one user.
type IssuanceOutcome struct {
	Success    bool
	Payload    json.RawMessage
	BadgeID    string
	Error      string
	StatusCode int
}

// BadgeIssuanceError is a user snapshot augmented with the failure detail.
type BadgeIssuanceError struct {
	User
	Error      string
	Timestamp  time.Time
	RetryCount int
}

// NewIssuanceError wraps a user with a failure message stamped at now.
func NewIssuanceError(user User, message string, now time.Time) BadgeIssuanceError {
	return BadgeIssuanceError{
		User:      user,
		Error:     message,
		Timestamp: now,
	}
}

// RunReport aggregates the outcome of one batch run.
type RunReport struct {
	RunID          string
	TotalProcessed int
	TotalSuccess   int
	TotalFailed    int
	Environment    string
	Duration       time.Duration
	Timestamp      time.Time
	FailedUsers    []BadgeIssuanceError
}

// SuccessRate returns the share of successful issuances in percent.
func (r RunReport) SuccessRate() float64 {
	if r.TotalProcessed == 0 {
		return 0
	}
	return float64(r.TotalSuccess) / float64(r.TotalProcessed) * 100
}
