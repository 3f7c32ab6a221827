package domain

import "time"

// Session describes an issued session token for an enrolled user.
type Session struct {
	UserID    int64
	Email     string
	Provider  string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Identity is a normalized identity returned by a login provider.
type Identity struct {
	Provider string
	Email    string
	Name     string
}
