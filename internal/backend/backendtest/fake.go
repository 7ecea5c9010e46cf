// Package backendtest provides a scripted in-memory backend used by unit
// tests and by the daemon's simulation mode.
package backendtest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/backend"
)

// Fake is a backend whose failures are scripted per operation. Error queues
// are consumed one entry per call; a nil entry or an empty queue means
// success.
type Fake struct {
	mu sync.Mutex

	name    string
	latency time.Duration

	initErrs       []error
	connectErrs    []error
	disconnectErrs []error
	renewErrs      []error

	initialized bool
	connected   bool
	closed      bool

	credentials []string
	expiryFn    func(remaining time.Duration)
	calls       map[string]int
	appConfig   backend.AppConfig
}

// New creates a fake backend that succeeds at everything.
func New(name string) *Fake {
	return &Fake{
		name:  name,
		calls: make(map[string]int),
	}
}

// Factory wraps the fake so it can be registered like a real provider.
// The same instance is returned on every call, keeping its script and
// counters across switches.
func (f *Fake) Factory() backend.Factory {
	return func(_ *zap.Logger) (backend.Backend, error) {
		return f, nil
	}
}

// FailInitialize queues errors for upcoming Initialize calls.
func (f *Fake) FailInitialize(errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErrs = append(f.initErrs, errs...)
	return f
}

// FailConnect queues errors for upcoming Connect calls.
func (f *Fake) FailConnect(errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
	return f
}

// FailDisconnect queues errors for upcoming Disconnect calls.
func (f *Fake) FailDisconnect(errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectErrs = append(f.disconnectErrs, errs...)
	return f
}

// FailRenew queues errors for upcoming RenewCredential calls.
func (f *Fake) FailRenew(errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewErrs = append(f.renewErrs, errs...)
	return f
}

// SetLatency makes every operation take the given time, honoring context
// cancellation while waiting.
func (f *Fake) SetLatency(d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
	return f
}

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	d := f.latency
	f.mu.Unlock()

	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func pop(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// Initialize implements backend.Backend.
func (f *Fake) Initialize(ctx context.Context, cfg backend.AppConfig) error {
	if err := f.wait(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["initialize"]++
	if err := pop(&f.initErrs); err != nil {
		return err
	}
	f.initialized = true
	f.closed = false
	f.appConfig = cfg
	return nil
}

// Connect implements backend.Backend.
func (f *Fake) Connect(ctx context.Context) error {
	if err := f.wait(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["connect"]++
	if err := pop(&f.connectErrs); err != nil {
		return err
	}
	f.connected = true
	return nil
}

// Disconnect implements backend.Backend.
func (f *Fake) Disconnect(ctx context.Context) error {
	if err := f.wait(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["disconnect"]++
	if err := pop(&f.disconnectErrs); err != nil {
		return err
	}
	f.connected = false
	return nil
}

// RenewCredential implements backend.Backend.
func (f *Fake) RenewCredential(ctx context.Context, token string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["renew_credential"]++
	if err := pop(&f.renewErrs); err != nil {
		return err
	}
	f.credentials = append(f.credentials, token)
	return nil
}

// OnCredentialExpiring implements backend.Backend.
func (f *Fake) OnCredentialExpiring(fn func(remaining time.Duration)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiryFn = fn
}

// Close implements backend.Backend.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["close"]++
	f.closed = true
	f.connected = false
	f.initialized = false
	return nil
}

// TriggerExpiryWarning fires the registered expiry callback, simulating a
// provider-side warning.
func (f *Fake) TriggerExpiryWarning(remaining time.Duration) {
	f.mu.Lock()
	fn := f.expiryFn
	f.mu.Unlock()

	if fn != nil {
		fn(remaining)
	}
}

// Name returns the provider name this fake plays.
func (f *Fake) Name() string { return f.name }

// Connected reports the session state.
func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Initialized reports whether Initialize succeeded since the last Close.
func (f *Fake) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Closed reports whether the instance has been closed.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Calls returns how many times the named operation ran.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Credentials returns every token passed to RenewCredential, oldest first.
func (f *Fake) Credentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.credentials))
	copy(out, f.credentials)
	return out
}

// AppConfig returns the configuration from the last successful Initialize.
func (f *Fake) AppConfig() backend.AppConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appConfig
}
