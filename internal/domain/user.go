package domain

import "time"

// IssuanceStatus is the canonical badge lifecycle state of a user.
type IssuanceStatus string

const (
	IssuanceStatusRegistered IssuanceStatus = "registered"
	IssuanceStatusPending    IssuanceStatus = "pending"
	IssuanceStatusIssued     IssuanceStatus = "issued"
)

// Valid reports whether s is one of the known states.
func (s IssuanceStatus) Valid() bool {
	switch s {
	case IssuanceStatusRegistered, IssuanceStatusPending, IssuanceStatusIssued:
		return true
	}
	return false
}

// User is an enrolled participant who may be eligible for a badge.
type User struct {
	ID                    int64
	Email                 string
	Name                  string
	Provider              string
	Status                IssuanceStatus
	BadgeReceived         bool
	BadgrUsername         *string
	EncryptedBearerToken  *string
	EncryptedRefreshToken *string
	TokenExpiresAt        *time.Time
	BadgeAssertionID      *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Username returns the badge-provider username or an empty string.
func (u User) Username() string {
	if u.BadgrUsername == nil {
		return ""
	}
	return *u.BadgrUsername
}

// TokenSet is a freshly obtained provider token pair, already encrypted.
type TokenSet struct {
	EncryptedAccess  string
	EncryptedRefresh string
	ExpiresAt        time.Time
}
