// Package credential models the OAuth identity a user holds with a provider,
// with token material encrypted at rest.
package credential

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a credential does not exist.
var ErrNotFound = errors.New("credential not found")

// ErrRevoked is returned when an operation is attempted on a revoked
// credential.
var ErrRevoked = errors.New("credential revoked")

// ServiceCredential is a user's OAuth identity with a third-party provider.
// AccessTokenEnc and RefreshTokenEnc are ciphertexts; plaintext token material
// is never persisted. TokenVersion increases monotonically on every refresh
// and acts as an optimistic concurrency signal.
type ServiceCredential struct {
	UserID          string
	Provider        string
	AccessTokenEnc  string
	RefreshTokenEnc string
	ExpiresAt       *time.Time
	TokenVersion    int64
	RevokedAt       *time.Time
	Scopes          []string
	UpdatedAt       time.Time
}

// Revoked reports whether the credential has been permanently marked
// unusable. Revoked credentials are retained for audit, never deleted.
func (c *ServiceCredential) Revoked() bool { return c.RevokedAt != nil }

// Revoke marks the credential permanently unusable at the current time.
// Revoking an already revoked credential keeps the original timestamp.
func (c *ServiceCredential) Revoke() {
	if c.RevokedAt != nil {
		return
	}
	now := time.Now().UTC()
	c.RevokedAt = &now
}
