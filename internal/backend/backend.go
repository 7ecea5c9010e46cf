// Package backend defines the capability surface an RTC provider must
// implement to be managed by rtcguard, plus the registry that maps provider
// names to factories. The SDKs behind this interface are external; nothing
// in this module performs transport or media work itself.
package backend

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrNoActiveSession is returned (or wrapped) by Disconnect when there is
// no session to tear down. Callers treat it as benign.
var ErrNoActiveSession = errors.New("no active session")

// AppConfig carries the application-level session parameters a backend
// needs at initialization. The values are opaque to rtcguard.
type AppConfig struct {
	Room     string
	Identity string
	Params   map[string]string
}

// Backend is the capability interface for one RTC provider instance.
// Instances are single-use: once closed they are not reconnected.
type Backend interface {
	// Initialize prepares the backend with the application configuration.
	Initialize(ctx context.Context, cfg AppConfig) error

	// Connect establishes the realtime session.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Implementations report a
	// no-active-session condition as an error; callers treat it as benign.
	Disconnect(ctx context.Context) error

	// RenewCredential installs a freshly issued credential on the live
	// session.
	RenewCredential(ctx context.Context, token string) error

	// OnCredentialExpiring registers a callback the backend fires when the
	// provider side signals imminent credential expiry.
	OnCredentialExpiring(fn func(remaining time.Duration))

	// Close releases all resources held by this instance.
	Close() error
}

// Factory creates a fresh backend instance. Called on every provider
// switch; instances are never reused across switches.
type Factory func(logger *zap.Logger) (Backend, error)
