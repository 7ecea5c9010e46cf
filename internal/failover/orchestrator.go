package failover

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rtcguard/internal/backend"
	"rtcguard/internal/config"
	"rtcguard/internal/events"
	"rtcguard/internal/rtcerr"
	"rtcguard/internal/session"
)

// Orchestrator owns the active provider, the per-provider health gate, and
// the fallback chain. All mutable state lives behind one mutex; the slow
// parts of a switch (teardown, connect) run outside it with the switching
// flag held.
type Orchestrator struct {
	mu sync.Mutex

	cfg    config.FailoverConfig
	reg    *backend.Registry
	bus    *events.Bus
	logger *zap.Logger

	sessions session.Recorder
	appCfg   backend.AppConfig

	current   string
	active    backend.Backend
	chain     []string
	health    map[string]*healthEntry
	counters  map[string]*switchCounters
	history   []SwitchRecord
	switching bool
	closed    bool
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithSessions installs the recorder used for preserve-session switches.
func WithSessions(r session.Recorder) Option {
	return func(o *Orchestrator) { o.sessions = r }
}

// WithAppConfig stores the application configuration passed to every new
// backend instance during Initialize.
func WithAppConfig(cfg backend.AppConfig) Option {
	return func(o *Orchestrator) { o.appCfg = cfg }
}

// New creates an orchestrator with no active provider.
func New(cfg config.FailoverConfig, reg *backend.Registry, bus *events.Bus, logger *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.UnhealthyThreshold < 1 {
		cfg.UnhealthyThreshold = config.DefaultUnhealthyThreshold
	}
	if cfg.SwitchHistoryLimit < 1 {
		cfg.SwitchHistoryLimit = config.DefaultSwitchHistoryLimit
	}
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = config.Duration(config.DefaultSwitchTimeout)
	}

	o := &Orchestrator{
		cfg:      cfg,
		reg:      reg,
		bus:      bus,
		logger:   logger.Named("failover"),
		health:   make(map[string]*healthEntry),
		counters: make(map[string]*switchCounters),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterProvider registers a factory and seeds a healthy gate entry.
func (o *Orchestrator) RegisterProvider(name string, factory backend.Factory) error {
	if err := o.reg.Register(name, factory); err != nil {
		return err
	}

	o.mu.Lock()
	o.health[name] = &healthEntry{healthy: true, lastCheck: time.Now()}
	o.mu.Unlock()

	o.logger.Info("Provider registered", zap.String("provider", name))
	return nil
}

// UnregisterProvider removes a provider. The active provider cannot be
// unregistered; switch away first.
func (o *Orchestrator) UnregisterProvider(name string) error {
	o.mu.Lock()
	if name == o.current {
		o.mu.Unlock()
		return rtcerr.Configurationf("provider %q is active; switch away before unregistering", name)
	}
	delete(o.health, name)
	delete(o.counters, name)
	o.mu.Unlock()

	o.reg.Unregister(name)
	o.logger.Info("Provider unregistered", zap.String("provider", name))
	return nil
}

// SetFallbackChain stores the priority-ordered fallback candidates.
// Unregistered names are tolerated and skipped at use time.
func (o *Orchestrator) SetFallbackChain(chain []string) {
	o.mu.Lock()
	o.chain = append([]string(nil), chain...)
	o.mu.Unlock()

	o.logger.Info("Fallback chain set", zap.Strings("chain", chain))
}

// FallbackChain returns a copy of the configured chain.
func (o *Orchestrator) FallbackChain() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.chain...)
}

// Current returns the active provider name, empty when none.
func (o *Orchestrator) Current() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// ActiveBackend returns the live backend instance, nil when none.
func (o *Orchestrator) ActiveBackend() backend.Backend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// SwitchProvider moves the active provider to target using the switch
// protocol. On a protocol failure (teardown already happened) the fallback
// chain is walked automatically unless the switch was forced; the fallback
// outcome then becomes this call's outcome.
func (o *Orchestrator) SwitchProvider(ctx context.Context, target string, opts SwitchOptions) error {
	attempted, err := o.performSwitch(ctx, target, opts, "")
	if err == nil {
		return nil
	}
	if !attempted || opts.Force {
		return err
	}

	o.logger.Warn("Switch failed, walking fallback chain",
		zap.String("target", target),
		zap.Error(err))
	return o.AttemptFallback(ctx, err, target)
}

// AttemptFallback walks the fallback chain, skipping the current provider
// and any excluded names, and switches to the first healthy registered
// candidate that succeeds. Exhaustion (or an empty candidate set) yields
// rtcerr.AllProvidersFailed wrapping the originating error.
func (o *Orchestrator) AttemptFallback(ctx context.Context, original error, exclude ...string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return rtcerr.Configuration("failover orchestrator is closed")
	}
	chain := append([]string(nil), o.chain...)
	skip := map[string]bool{o.current: true}
	healthy := make(map[string]bool, len(chain))
	for _, name := range chain {
		healthy[name] = o.healthyLocked(name)
	}
	o.mu.Unlock()

	for _, name := range exclude {
		skip[name] = true
	}

	var candidates []string
	for _, name := range chain {
		if skip[name] || !healthy[name] || !o.reg.Has(name) {
			continue
		}
		candidates = append(candidates, name)
	}

	trigger := ""
	if original != nil {
		trigger = original.Error()
	}

	if len(candidates) == 0 {
		o.logger.Error("No fallback candidates available",
			zap.Strings("chain", chain),
			zap.String("trigger", trigger))
		return rtcerr.AllProvidersFailed(original)
	}

	o.logger.Info("Attempting fallback",
		zap.Strings("candidates", candidates),
		zap.String("trigger", trigger))

	opts := SwitchOptions{
		PreserveSession: o.cfg.PreserveSessionOnFallback,
		Reason:          ReasonFallback,
	}
	for _, name := range candidates {
		if _, err := o.performSwitch(ctx, name, opts, trigger); err != nil {
			o.logger.Warn("Fallback candidate failed",
				zap.String("provider", name),
				zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		o.logger.Info("Fallback succeeded", zap.String("provider", name))
		return nil
	}

	return rtcerr.AllProvidersFailed(original)
}

// performSwitch runs the switch protocol without the automatic fallback
// step. attempted reports whether the protocol got past its gates, i.e.
// whether teardown may have happened and a record was appended.
func (o *Orchestrator) performSwitch(ctx context.Context, target string, opts SwitchOptions, trigger string) (attempted bool, err error) {
	if opts.Reason == "" {
		opts.Reason = ReasonManual
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false, rtcerr.Configuration("failover orchestrator is closed")
	}
	if !o.reg.Has(target) {
		o.mu.Unlock()
		return false, rtcerr.ProviderNotAvailable(target, "not registered")
	}
	if target == o.current {
		o.mu.Unlock()
		o.logger.Debug("Already on requested provider", zap.String("provider", target))
		return false, nil
	}
	if !opts.Force && !o.healthyLocked(target) {
		detail := "marked unhealthy"
		if h := o.health[target]; h != nil && h.lastError != "" {
			detail = "marked unhealthy: " + h.lastError
		}
		o.mu.Unlock()
		return false, rtcerr.ProviderNotAvailable(target, detail)
	}
	if o.switching {
		o.mu.Unlock()
		return false, rtcerr.OperationInProgress("provider switch")
	}
	o.switching = true
	from := o.current
	oldInst := o.active
	recorder := o.sessions
	appCfg := o.appCfg
	o.mu.Unlock()

	o.logger.Info("Switching provider",
		zap.String("from", from),
		zap.String("to", target),
		zap.String("reason", string(opts.Reason)),
		zap.Bool("force", opts.Force),
		zap.Bool("preserve_session", opts.PreserveSession))

	rec := SwitchRecord{
		ID:              uuid.NewString(),
		From:            from,
		To:              target,
		Reason:          opts.Reason,
		Trigger:         trigger,
		PreserveSession: opts.PreserveSession,
		StartedAt:       time.Now(),
	}

	sctx, cancel := context.WithTimeout(ctx, o.cfg.SwitchTimeout.Duration())
	newInst, execErr := o.executeSwitch(sctx, from, oldInst, target, opts, recorder, appCfg)
	cancel()

	rec.Duration = time.Since(rec.StartedAt)
	rec.Success = execErr == nil
	if execErr != nil {
		rec.Error = execErr.Error()
	}

	o.finishSwitch(rec, target, newInst, execErr)
	return true, execErr
}

// executeSwitch is the teardown-and-bring-up half of the protocol: capture,
// disconnect old, create + initialize + connect new, restore.
func (o *Orchestrator) executeSwitch(ctx context.Context, from string, oldInst backend.Backend, target string, opts SwitchOptions, recorder session.Recorder, appCfg backend.AppConfig) (backend.Backend, error) {
	var snap *session.Snapshot
	if opts.PreserveSession && recorder != nil {
		s, err := recorder.Capture(ctx)
		if err != nil {
			o.logger.Warn("Session capture failed, switching without restore",
				zap.String("from", from),
				zap.Error(err))
		} else {
			snap = s
			if snap.Backend == "" {
				snap.Backend = from
			}
		}
	}

	if oldInst != nil {
		if err := oldInst.Disconnect(ctx); err != nil {
			if errors.Is(err, backend.ErrNoActiveSession) {
				o.logger.Debug("No active session on outgoing provider",
					zap.String("provider", from))
			} else {
				o.logger.Warn("Disconnect of outgoing provider failed",
					zap.String("provider", from),
					zap.Error(err))
			}
		}
		if err := oldInst.Close(); err != nil {
			o.logger.Warn("Close of outgoing provider failed",
				zap.String("provider", from),
				zap.Error(err))
		}
	}

	inst, err := o.reg.Create(target, o.logger)
	if err != nil {
		return nil, err
	}
	if err := inst.Initialize(ctx, appCfg); err != nil {
		_ = inst.Close()
		return nil, err
	}
	if err := inst.Connect(ctx); err != nil {
		_ = inst.Close()
		return nil, err
	}

	if snap != nil && recorder != nil {
		if err := recorder.Restore(ctx, snap, inst); err != nil {
			o.logger.Warn("Session restore failed, continuing on new provider",
				zap.String("provider", target),
				zap.String("snapshot", snap.ID),
				zap.Error(err))
		}
	}

	return inst, nil
}

// finishSwitch applies the outcome under the lock and publishes events.
// On failure the old instance is already torn down, so the orchestrator is
// left with no live backend until a fallback succeeds.
func (o *Orchestrator) finishSwitch(rec SwitchRecord, target string, newInst backend.Backend, cause error) {
	now := time.Now()

	o.mu.Lock()
	o.switching = false
	o.appendRecordLocked(rec)

	tc := o.countersLocked(target)
	tc.to++
	tc.lastSwitch = now

	var healthChange *Health
	var orphan backend.Backend
	if cause == nil {
		tc.successes++
		if rec.From != "" {
			fc := o.countersLocked(rec.From)
			fc.from++
			fc.lastSwitch = now
		}
		if o.closed {
			// Close raced the switch; don't install into a dead
			// orchestrator.
			orphan = newInst
		} else {
			o.current = target
			o.active = newInst
		}
		healthChange = o.resetHealthLocked(target)
	} else {
		tc.failures++
		o.active = nil
		healthChange = o.forceUnhealthyLocked(target, cause)
	}
	o.mu.Unlock()

	if orphan != nil {
		_ = orphan.Close()
	}

	if cause == nil {
		o.logger.Info("Provider switch succeeded",
			zap.String("from", rec.From),
			zap.String("to", target),
			zap.Duration("took", rec.Duration))
		o.publish(events.ProviderSwitchSucceeded, target, map[string]any{
			"record_id": rec.ID,
			"from":      rec.From,
			"to":        target,
			"reason":    string(rec.Reason),
			"duration":  rec.Duration.String(),
			"record":    rec,
		})
	} else {
		o.logger.Error("Provider switch failed",
			zap.String("from", rec.From),
			zap.String("to", target),
			zap.String("reason", string(rec.Reason)),
			zap.Error(cause))
		o.publish(events.ProviderSwitchFailed, target, map[string]any{
			"record_id": rec.ID,
			"from":      rec.From,
			"to":        target,
			"reason":    string(rec.Reason),
			"error":     cause.Error(),
			"record":    rec,
		})
	}
	o.publishHealthChange(target, healthChange)
}

// NoteFailure ingests an external failure signal for a provider (renewal
// failure, reconnect exhaustion). At the unhealthy threshold the provider
// is gated out of switches and fallback candidacy.
func (o *Orchestrator) NoteFailure(name string, cause error) {
	reason := "failure reported"
	if cause != nil {
		reason = cause.Error()
	}

	o.mu.Lock()
	h, ok := o.health[name]
	if !ok {
		o.mu.Unlock()
		return
	}
	h.consecutiveFailures++
	h.lastCheck = time.Now()
	h.lastError = reason
	var change *Health
	if h.healthy && h.consecutiveFailures >= o.cfg.UnhealthyThreshold {
		h.healthy = false
		snap := h.snapshot()
		change = &snap
	}
	failures := h.consecutiveFailures
	o.mu.Unlock()

	o.logger.Warn("Provider failure noted",
		zap.String("provider", name),
		zap.Int("consecutive_failures", failures),
		zap.String("reason", reason))
	o.publishHealthChange(name, change)
}

// NoteSuccess ingests an external success signal, resetting the gate.
func (o *Orchestrator) NoteSuccess(name string) {
	o.mu.Lock()
	var change *Health
	if _, ok := o.health[name]; ok {
		change = o.resetHealthLocked(name)
	}
	o.mu.Unlock()

	o.publishHealthChange(name, change)
}

// ResetHealth clears the gate for a provider, re-admitting it immediately.
func (o *Orchestrator) ResetHealth(name string) {
	o.mu.Lock()
	var change *Health
	if _, ok := o.health[name]; ok {
		change = o.resetHealthLocked(name)
	}
	o.mu.Unlock()

	o.logger.Info("Provider health reset", zap.String("provider", name))
	o.publishHealthChange(name, change)
}

// IsHealthy reports whether the provider passes the health gate.
func (o *Orchestrator) IsHealthy(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.healthyLocked(name)
}

// HealthSnapshot returns a copy of every provider's gate state.
func (o *Orchestrator) HealthSnapshot() map[string]Health {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]Health, len(o.health))
	for name, h := range o.health {
		out[name] = h.snapshot()
	}
	return out
}

// RecommendedProvider returns the highest-priority healthy registered chain
// entry other than the current provider.
func (o *Orchestrator) RecommendedProvider() (string, bool) {
	o.mu.Lock()
	chain := append([]string(nil), o.chain...)
	current := o.current
	healthy := make(map[string]bool, len(chain))
	for _, name := range chain {
		healthy[name] = o.healthyLocked(name)
	}
	o.mu.Unlock()

	for _, name := range chain {
		if name == current || !healthy[name] || !o.reg.Has(name) {
			continue
		}
		return name, true
	}
	return "", false
}

// SwitchHistory returns the most recent switch records, oldest first.
// limit <= 0 returns everything retained.
func (o *Orchestrator) SwitchHistory(limit int) []SwitchRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]SwitchRecord, n)
	copy(out, o.history[len(o.history)-n:])
	return out
}

// ProviderStats summarizes switch activity and gate state for a provider.
func (o *Orchestrator) ProviderStats(name string) ProviderStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := ProviderStats{Provider: name, Healthy: o.healthyLocked(name)}
	if h, ok := o.health[name]; ok {
		st.ConsecutiveFailures = h.consecutiveFailures
	}
	if c, ok := o.counters[name]; ok {
		st.SwitchesTo = c.to
		st.SwitchesFrom = c.from
		st.LastSwitch = c.lastSwitch
		if attempts := c.successes + c.failures; attempts > 0 {
			st.SuccessRate = float64(c.successes) / float64(attempts)
		}
	}
	return st
}

// Close tears down the active backend instance. Further switches are
// rejected.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	inst := o.active
	name := o.current
	o.active = nil
	o.mu.Unlock()

	if inst == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SwitchTimeout.Duration())
	defer cancel()

	if err := inst.Disconnect(ctx); err != nil && !errors.Is(err, backend.ErrNoActiveSession) {
		o.logger.Warn("Disconnect on close failed",
			zap.String("provider", name),
			zap.Error(err))
	}
	if err := inst.Close(); err != nil {
		return err
	}

	o.logger.Info("Failover orchestrator closed", zap.String("provider", name))
	return nil
}

// healthyLocked is the gate: healthy unless the failure threshold was hit,
// with optimistic re-admission once the unhealthy verdict goes stale.
func (o *Orchestrator) healthyLocked(name string) bool {
	h, ok := o.health[name]
	if !ok {
		return false
	}
	if h.healthy {
		return true
	}
	stale := o.cfg.HealthStaleAfter.Duration()
	return stale > 0 && time.Since(h.lastCheck) > stale
}

// resetHealthLocked marks a provider healthy, returning a snapshot when
// that flipped the gate.
func (o *Orchestrator) resetHealthLocked(name string) *Health {
	h, ok := o.health[name]
	if !ok {
		h = &healthEntry{}
		o.health[name] = h
	}
	flipped := !h.healthy
	h.healthy = true
	h.consecutiveFailures = 0
	h.lastCheck = time.Now()
	h.lastError = ""
	if !flipped {
		return nil
	}
	snap := h.snapshot()
	return &snap
}

// forceUnhealthyLocked gates a provider out after a failed switch. The
// failure count lands at least at the threshold so the gate holds until
// reset or staleness re-admission.
func (o *Orchestrator) forceUnhealthyLocked(name string, cause error) *Health {
	h, ok := o.health[name]
	if !ok {
		h = &healthEntry{}
		o.health[name] = h
	}
	flipped := h.healthy
	h.consecutiveFailures++
	if h.consecutiveFailures < o.cfg.UnhealthyThreshold {
		h.consecutiveFailures = o.cfg.UnhealthyThreshold
	}
	h.healthy = false
	h.lastCheck = time.Now()
	h.lastError = cause.Error()
	if !flipped {
		return nil
	}
	snap := h.snapshot()
	return &snap
}

func (o *Orchestrator) countersLocked(name string) *switchCounters {
	c, ok := o.counters[name]
	if !ok {
		c = &switchCounters{}
		o.counters[name] = c
	}
	return c
}

func (o *Orchestrator) appendRecordLocked(rec SwitchRecord) {
	o.history = append(o.history, rec)
	if over := len(o.history) - o.cfg.SwitchHistoryLimit; over > 0 {
		o.history = o.history[over:]
	}
}

func (o *Orchestrator) publish(t events.EventType, name string, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Type:      t,
		Backend:   name,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (o *Orchestrator) publishHealthChange(name string, h *Health) {
	if h == nil {
		return
	}
	o.publish(events.ProviderHealthChanged, name, map[string]any{
		"healthy":              h.Healthy,
		"consecutive_failures": h.ConsecutiveFailures,
		"error":                h.LastError,
	})
}
