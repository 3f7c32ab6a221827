package vault

import "errors"

var (
	// ErrNotFound means no user or no stored token exists for the identity.
	ErrNotFound = errors.New("credential not found")
	// ErrExpired means the stored access token is past its expiry.
	ErrExpired = errors.New("credential expired")
	// ErrFormat means the stored blob failed the plausibility check.
	ErrFormat = errors.New("credential has invalid format")
	// ErrDecryption means authenticated decryption failed.
	ErrDecryption = errors.New("credential decryption failed")
	// ErrRefresh means the refresh exchange or its persistence failed.
	ErrRefresh = errors.New("credential refresh failed")
)

// IsCredentialError reports whether err belongs to the credential taxonomy.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrFormat) ||
		errors.Is(err, ErrDecryption) ||
		errors.Is(err, ErrRefresh)
}
