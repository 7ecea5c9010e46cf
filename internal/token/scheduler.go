package token

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/config"
	"rtcguard/internal/events"
	"rtcguard/internal/rtcerr"
)

var errSchedulerClosed = errors.New("renewal scheduler closed")

// Scheduler owns the credential lifecycle for every known backend: one
// expiration monitor per backend, manual and scanner-driven renewal with
// jittered exponential backoff, and per-backend statistics.
type Scheduler struct {
	mu sync.Mutex

	cfg    config.RenewalConfig
	bus    *events.Bus
	logger *zap.Logger

	tokens    map[string]Info
	states    map[string]RenewalState
	stats     map[string]Stats
	renewFns  map[string]RenewalFunc
	expireFns map[string]ExpirationFunc

	// Per-backend generation counters. A monitor or renewal whose
	// generation no longer matches must not touch state: the token was
	// replaced or removed while it ran.
	gens           map[string]uint64
	monitorCancels map[string]context.CancelFunc

	scanCancel context.CancelFunc
	sem        chan struct{}
	wg         sync.WaitGroup
	closed     bool
}

// New creates a scheduler. Start must be called to enable the background
// scanner; manual Renew and expiration monitors work without it.
func New(cfg config.RenewalConfig, bus *events.Bus, logger *zap.Logger) *Scheduler {
	if cfg.MaxRetryAttempts < 1 {
		cfg.MaxRetryAttempts = 1
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = config.DefaultMaxConcurrentRenewals
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = config.Duration(config.DefaultRenewalScanInterval)
	}

	return &Scheduler{
		cfg:            cfg,
		bus:            bus,
		logger:         logger.Named("token"),
		tokens:         make(map[string]Info),
		states:         make(map[string]RenewalState),
		stats:          make(map[string]Stats),
		renewFns:       make(map[string]RenewalFunc),
		expireFns:      make(map[string]ExpirationFunc),
		gens:           make(map[string]uint64),
		monitorCancels: make(map[string]context.CancelFunc),
		sem:            make(chan struct{}, cfg.MaxConcurrent),
	}
}

// RegisterRenewalHandler installs the operation that obtains a fresh
// credential for the backend. Replacing an existing handler is allowed.
func (s *Scheduler) RegisterRenewalHandler(backend string, fn RenewalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.renewFns, backend)
		return
	}
	s.renewFns[backend] = fn
}

// RegisterExpirationHandler installs the warning callback fired when the
// backend's credential enters the advance window.
func (s *Scheduler) RegisterExpirationHandler(backend string, fn ExpirationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.expireFns, backend)
		return
	}
	s.expireFns[backend] = fn
}

// SetToken records a credential for the backend and restarts its
// expiration monitor. Any prior monitor for the backend is cancelled.
func (s *Scheduler) SetToken(backend, token string, expiresAt time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	info := Info{
		Token:     token,
		Backend:   backend,
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}
	s.tokens[backend] = info
	s.states[backend] = RenewalIdle
	s.armMonitorLocked(backend, info)
	s.mu.Unlock()

	s.logger.Info("Token set",
		zap.String("backend", backend),
		zap.Time("expires_at", expiresAt),
		zap.Duration("valid_for", info.TimeUntilExpiration()))
}

// Token returns the current credential for the backend, if one is known.
func (s *Scheduler) Token(backend string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.tokens[backend]
	return info, ok
}

// IsValid reports whether the backend holds a credential whose expiry has
// not passed.
func (s *Scheduler) IsValid(backend string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.tokens[backend]
	return ok && !info.Expired()
}

// State returns the backend's renewal state, RenewalIdle when unknown.
func (s *Scheduler) State(backend string) RenewalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[backend]
}

// States returns a snapshot of every backend's renewal state.
func (s *Scheduler) States() map[string]RenewalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RenewalState, len(s.states))
	for backend, st := range s.states {
		out[backend] = st
	}
	return out
}

// Stats returns a copy of the backend's accumulated renewal statistics.
func (s *Scheduler) Stats(backend string) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[backend]
}

// ClearStats resets the backend's statistics. Remove does not.
func (s *Scheduler) ClearStats(backend string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stats, backend)
}

// Remove forgets the backend's credential and cancels its monitor and any
// scheduled renewal. Registered handlers and statistics stay.
func (s *Scheduler) Remove(backend string) {
	s.mu.Lock()
	s.gens[backend]++
	if cancel := s.monitorCancels[backend]; cancel != nil {
		cancel()
		delete(s.monitorCancels, backend)
	}
	delete(s.tokens, backend)
	delete(s.states, backend)
	s.mu.Unlock()

	s.logger.Info("Token removed", zap.String("backend", backend))
}

// Renew obtains a fresh credential for the backend, retrying with jittered
// exponential backoff up to MaxRetryAttempts. A renewal already in flight
// makes this a logged no-op returning the current credential.
func (s *Scheduler) Renew(ctx context.Context, backend string) (Info, error) {
	s.mu.Lock()
	if s.closed {
		cur := s.tokens[backend]
		s.mu.Unlock()
		return cur, rtcerr.TokenRenewalFailed(backend, errSchedulerClosed)
	}
	if s.states[backend] == RenewalInProgress {
		cur := s.tokens[backend]
		s.mu.Unlock()
		s.logger.Info("Renewal already in progress, skipping",
			zap.String("backend", backend))
		return cur, nil
	}
	handler := s.renewFns[backend]
	if handler == nil {
		s.mu.Unlock()
		return Info{}, rtcerr.Configurationf("no renewal handler registered for backend %q", backend)
	}
	gen := s.gens[backend]
	s.states[backend] = RenewalInProgress
	s.mu.Unlock()

	s.logger.Info("Renewing token", zap.String("backend", backend))
	start := time.Now()
	newToken, failures, err := s.renewWithRetry(ctx, backend, handler)
	if err != nil {
		return s.completeFailure(backend, failures, time.Since(start), err)
	}
	return s.completeSuccess(backend, gen, newToken, failures, time.Since(start))
}

// renewWithRetry runs the bounded retry loop and returns the fresh token
// plus how many attempts failed along the way.
func (s *Scheduler) renewWithRetry(ctx context.Context, backend string, handler RenewalFunc) (string, int, error) {
	var lastErr error
	failures := 0

	for failures < s.cfg.MaxRetryAttempts {
		newToken, err := handler(ctx)
		if err == nil {
			return newToken, failures, nil
		}

		failures++
		lastErr = err
		s.logger.Warn("Token renewal attempt failed",
			zap.String("backend", backend),
			zap.Int("attempt", failures),
			zap.Int("max_attempts", s.cfg.MaxRetryAttempts),
			zap.Error(err))

		if !rtcerr.IsRecoverable(err) {
			s.logger.Warn("Renewal error is non-recoverable, giving up early",
				zap.String("backend", backend))
			break
		}
		if failures >= s.cfg.MaxRetryAttempts {
			break
		}

		delay := jitteredDelay(s.cfg, failures)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", failures, ctx.Err()
		case <-timer.C:
		}
	}

	return "", failures, lastErr
}

// completeSuccess records the fresh credential, restarts the monitor, and
// publishes the renewal. A stale generation means the backend was removed
// mid-renewal; the result is discarded but stats still count the outcome.
func (s *Scheduler) completeSuccess(backend string, gen uint64, newToken string, failures int, elapsed time.Duration) (Info, error) {
	now := time.Now()
	info := Info{
		Token:     newToken,
		Backend:   backend,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.TokenValidity.Duration()),
	}

	s.mu.Lock()
	st := s.stats[backend]
	st.Attempts++
	st.Successes++
	st.Retries += int64(failures)
	st.LastSuccess = now
	s.stats[backend] = st

	if s.closed || gen != s.gens[backend] {
		s.mu.Unlock()
		s.logger.Info("Backend removed during renewal, discarding fresh token",
			zap.String("backend", backend))
		return Info{}, rtcerr.TokenRenewalFailed(backend, errors.New("backend removed during renewal"))
	}

	s.tokens[backend] = info
	s.states[backend] = RenewalCompleted
	s.armMonitorLocked(backend, info)
	s.mu.Unlock()

	s.logger.Info("Token renewed",
		zap.String("backend", backend),
		zap.Int("retries", failures),
		zap.Time("expires_at", info.ExpiresAt))
	s.publish(events.TokenRenewed, backend, map[string]any{
		"expires_at":       info.ExpiresAt,
		"retries":          failures,
		"duration_seconds": elapsed.Seconds(),
	})
	return info, nil
}

// completeFailure records the exhausted renewal and surfaces it. The
// published event doubles as the health signal the failover wiring
// consumes.
func (s *Scheduler) completeFailure(backend string, failures int, elapsed time.Duration, cause error) (Info, error) {
	now := time.Now()

	s.mu.Lock()
	st := s.stats[backend]
	st.Attempts++
	st.Failures++
	if failures > 0 {
		st.Retries += int64(failures - 1)
	}
	st.LastFailure = now
	st.LastFailureReason = cause.Error()
	s.stats[backend] = st
	// Remove may have raced the renewal; don't resurrect a deleted entry.
	if _, known := s.states[backend]; known {
		s.states[backend] = RenewalFailed
	}
	cur := s.tokens[backend]
	s.mu.Unlock()

	s.logger.Error("Token renewal exhausted",
		zap.String("backend", backend),
		zap.Int("attempts", failures),
		zap.Error(cause))
	s.publish(events.TokenRenewalFailed, backend, map[string]any{
		"attempts":         failures,
		"error":            cause.Error(),
		"duration_seconds": elapsed.Seconds(),
	})
	return cur, rtcerr.TokenRenewalFailed(backend, cause)
}

// armMonitorLocked (re)starts the expiration monitor for a credential.
// Caller holds s.mu.
func (s *Scheduler) armMonitorLocked(backend string, info Info) {
	s.gens[backend]++
	gen := s.gens[backend]
	if cancel := s.monitorCancels[backend]; cancel != nil {
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.monitorCancels[backend] = cancel
	s.wg.Add(1)
	go s.runMonitor(ctx, gen, backend, info)
}

// runMonitor sleeps until the credential enters the advance window, then
// fires the expiration path: warning callback, TokenExpiring event, and a
// renewal when a handler is registered.
func (s *Scheduler) runMonitor(ctx context.Context, gen uint64, backend string, info Info) {
	defer s.wg.Done()

	wait := info.TimeUntilExpiration() - s.cfg.AdvanceWindow.Duration()
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	s.mu.Lock()
	if s.closed || gen != s.gens[backend] {
		s.mu.Unlock()
		return
	}
	expireFn := s.expireFns[backend]
	_, hasRenew := s.renewFns[backend]
	s.mu.Unlock()

	remaining := info.TimeUntilExpiration()
	s.logger.Info("Token entering expiration window",
		zap.String("backend", backend),
		zap.Duration("remaining", remaining))
	s.publish(events.TokenExpiring, backend, map[string]any{
		"remaining":  remaining.String(),
		"expires_at": info.ExpiresAt,
	})

	if expireFn != nil {
		expireFn(remaining)
	}
	if hasRenew && remaining <= s.cfg.AdvanceWindow.Duration() {
		if _, err := s.Renew(ctx, backend); err != nil {
			s.logger.Warn("Monitor-triggered renewal failed",
				zap.String("backend", backend),
				zap.Error(err))
		}
	}
}

// Start launches the background scanner that renews any credential close
// to expiry, decoupling when to renew from how to renew.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.scanCancel != nil {
		s.mu.Unlock()
		return
	}
	scanCtx, cancel := context.WithCancel(ctx)
	s.scanCancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Renewal scanner started",
		zap.Duration("interval", s.cfg.ScanInterval.Duration()),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent))
	go s.scanLoop(scanCtx)
}

func (s *Scheduler) scanLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce marks every due credential pending and dispatches renewals
// behind the concurrency semaphore.
func (s *Scheduler) scanOnce(ctx context.Context) {
	s.mu.Lock()
	var due []string
	for backend, info := range s.tokens {
		if !info.ExpiresWithin(s.cfg.AdvanceWindow.Duration()) {
			continue
		}
		if st := s.states[backend]; st == RenewalInProgress || st == RenewalPending {
			continue
		}
		if s.renewFns[backend] == nil {
			continue
		}
		s.states[backend] = RenewalPending
		due = append(due, backend)
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	s.logger.Debug("Scanner found tokens due for renewal",
		zap.Strings("backends", due))

	for _, backend := range due {
		s.wg.Add(1)
		go func(b string) {
			defer s.wg.Done()

			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				s.mu.Lock()
				if s.states[b] == RenewalPending {
					s.states[b] = RenewalIdle
				}
				s.mu.Unlock()
				return
			}
			defer func() { <-s.sem }()

			// Renew publishes its own outcome; the scanner only logs.
			if _, err := s.Renew(ctx, b); err != nil {
				s.logger.Debug("Scheduled renewal failed",
					zap.String("backend", b),
					zap.Error(err))
			}
		}(backend)
	}
}

// Close stops the scanner and every monitor, then waits for in-flight
// goroutines to finish. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.scanCancel != nil {
		s.scanCancel()
		s.scanCancel = nil
	}
	for backend, cancel := range s.monitorCancels {
		cancel()
		delete(s.monitorCancels, backend)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Renewal scheduler closed")
}

func (s *Scheduler) publish(t events.EventType, backend string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      t,
		Backend:   backend,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// jitteredDelay computes the backoff before retry number failures+1:
// min(base·2^(failures-1), max) scaled by a random factor in [0.5, 1.0).
func jitteredDelay(cfg config.RenewalConfig, failures int) time.Duration {
	base := cfg.BaseDelay.Duration()
	max := cfg.MaxDelay.Duration()

	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max || d <= 0 {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()/2))
}
