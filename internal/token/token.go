// Package token implements the credential renewal scheduler: per-backend
// expiration monitors, retry with jittered backoff, and a background
// scanner that renews anything close to expiry.
package token

import (
	"context"
	"encoding/json"
	"time"
)

// Info describes one backend's current credential.
type Info struct {
	Token     string    `json:"-"`
	Backend   string    `json:"backend"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TimeUntilExpiration returns how long the credential remains valid.
// Negative once expired.
func (i Info) TimeUntilExpiration() time.Duration {
	return time.Until(i.ExpiresAt)
}

// Expired reports whether the credential's expiry has passed.
func (i Info) Expired() bool {
	return !time.Now().Before(i.ExpiresAt)
}

// ExpiresWithin reports whether the credential expires inside the window.
func (i Info) ExpiresWithin(window time.Duration) bool {
	return time.Until(i.ExpiresAt) <= window
}

// RenewalState is the per-backend renewal lifecycle.
type RenewalState int

const (
	RenewalIdle RenewalState = iota
	RenewalPending
	RenewalInProgress
	RenewalCompleted
	RenewalFailed
)

// String returns the lowercase wire form.
func (s RenewalState) String() string {
	switch s {
	case RenewalPending:
		return "pending"
	case RenewalInProgress:
		return "in_progress"
	case RenewalCompleted:
		return "completed"
	case RenewalFailed:
		return "failed"
	default:
		return "idle"
	}
}

// MarshalJSON implements json.Marshaler.
func (s RenewalState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Stats accumulates renewal outcomes for one backend. Cleared only by
// ClearStats; Remove leaves them intact.
type Stats struct {
	Attempts          int64     `json:"attempts"`
	Retries           int64     `json:"retries"`
	Successes         int64     `json:"successes"`
	Failures          int64     `json:"failures"`
	LastSuccess       time.Time `json:"last_success"`
	LastFailure       time.Time `json:"last_failure"`
	LastFailureReason string    `json:"last_failure_reason,omitempty"`
}

// RenewalFunc is the application-supplied handler that obtains a fresh
// credential for a backend.
type RenewalFunc func(ctx context.Context) (string, error)

// ExpirationFunc is called when a credential enters the advance window.
type ExpirationFunc func(remaining time.Duration)
