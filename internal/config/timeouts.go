// Package config provides configuration types and utilities for rtcguard.
// Timing constants live here so components share one source of truth.
package config

import "time"

// Connection lifecycle
const (
	// DefaultConnectTimeout bounds a single connect attempt; exceeding it
	// moves the connection to the failed state.
	DefaultConnectTimeout = 10 * time.Second

	// ConnectionHistoryLimit caps the in-memory connection event ring.
	ConnectionHistoryLimit = 1000
)

// Credential renewal
const (
	// DefaultRenewalAdvanceWindow is how far before expiry a renewal is
	// scheduled.
	DefaultRenewalAdvanceWindow = 30 * time.Second

	// DefaultRenewalScanInterval is the background scanner period.
	DefaultRenewalScanInterval = 10 * time.Second

	// DefaultMaxConcurrentRenewals bounds simultaneous renewal attempts
	// across backends.
	DefaultMaxConcurrentRenewals = 3

	// CredentialPushTimeout bounds installing a renewed credential on a live
	// backend session.
	CredentialPushTimeout = 10 * time.Second
)

// Failover
const (
	// DefaultUnhealthyThreshold is the consecutive-failure count at which a
	// provider is considered unhealthy.
	DefaultUnhealthyThreshold = 3

	// DefaultHealthStaleAfter is how long an unhealthy verdict stands before
	// the provider is provisionally re-admitted.
	DefaultHealthStaleAfter = 5 * time.Minute

	// DefaultSwitchHistoryLimit caps the retained switch records.
	DefaultSwitchHistoryLimit = 50

	// DefaultSwitchTimeout bounds one provider switch end to end.
	DefaultSwitchTimeout = 30 * time.Second
)

// Network monitoring
const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Event bus
const (
	// EventChannelBufferSize is the buffer size for individual event subscriptions
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer size for subscribing to all events
	EventChannelBufferSizeAll = 500
)

// Journal
const (
	// DefaultJournalMaxEntries caps each journal bucket; older records are
	// pruned on append.
	DefaultJournalMaxEntries = 5000
)

// Diagnostics HTTP server
const (
	DiagReadHeaderTimeout = 10 * time.Second
	DiagReadTimeout       = 30 * time.Second
	DiagWriteTimeout      = 30 * time.Second
	DiagIdleTimeout       = 120 * time.Second
	DiagShutdownTimeout   = 5 * time.Second
)

// Shutdown
const (
	// ShutdownTotalTimeout is the maximum time for the whole coordinated
	// shutdown sequence.
	ShutdownTotalTimeout = 15 * time.Second

	// ShutdownHandlerTimeout is the default per-handler timeout.
	ShutdownHandlerTimeout = 5 * time.Second

	// BackendDisconnectTimeout is the max time to wait for a backend to
	// disconnect.
	BackendDisconnectTimeout = 10 * time.Second
)
