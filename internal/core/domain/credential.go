package domain

import "time"

// AccessCredential is a short-lived token authorizing remote calls.
// Values are replaced on refresh, never mutated in place.
type AccessCredential struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // epoch seconds
}

// RefreshCredential is the long-lived secret exchanged for a new AccessCredential.
type RefreshCredential struct {
	Token string `json:"token"`
}

// IsZero reports whether the credential carries no token.
func (c AccessCredential) IsZero() bool {
	return c.Token == ""
}

// Expiry returns ExpiresAt as a time.Time.
func (c AccessCredential) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// RemainingLifetime returns how long the credential stays valid after now.
// Expired credentials return a negative duration.
func (c AccessCredential) RemainingLifetime(now time.Time) time.Duration {
	return c.Expiry().Sub(now)
}

// IsZero reports whether the refresh credential is missing.
func (c RefreshCredential) IsZero() bool {
	return c.Token == ""
}

// Session is the persisted pair of credentials for one logged-in principal.
type Session struct {
	ID        string            `json:"id"`
	Access    AccessCredential  `json:"access"`
	Refresh   RefreshCredential `json:"refresh"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TokenGrant is the result of a refresh exchange. Refresh is zero when the backend
// does not rotate the refresh credential.
type TokenGrant struct {
	Access  AccessCredential
	Refresh RefreshCredential
}
