package guard

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/config"
	"rtcguard/internal/conn"
	"rtcguard/internal/events"
	"rtcguard/internal/failover"
	"rtcguard/internal/journal"
	"rtcguard/internal/logs"
	"rtcguard/internal/netmon"
	"rtcguard/internal/rtcerr"
)

// eventLoop is the single consumer of the wildcard subscription. Every
// event is journaled and counted, then the cross-subsystem reactions run
// serially so their ordering matches the bus ordering.
func (g *Guard) eventLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-g.feed:
			if !ok {
				return
			}
			g.handleEvent(ctx, ev)
		}
	}
}

func (g *Guard) handleEvent(ctx context.Context, ev events.Event) {
	g.journalEvent(ev)
	g.recordMetrics(ev)
	g.auditEvent(ev)

	switch ev.Type {
	case events.NetworkStatusChanged:
		g.onNetworkStatus(ev)
	case events.ReconnectExhausted:
		g.onReconnectExhausted(ctx, ev)
	case events.TokenRenewed:
		g.onTokenRenewed(ctx, ev)
	case events.TokenRenewalFailed:
		g.onRenewalFailed(ctx, ev)
	case events.ProviderSwitchSucceeded:
		g.onSwitchSucceeded(ctx, ev)
	case events.ProviderHealthChanged:
		g.onHealthChanged(ev)
	}
}

func (g *Guard) journalEvent(ev events.Event) {
	if g.journal == nil {
		return
	}

	if ev.Type == events.ProviderSwitchSucceeded || ev.Type == events.ProviderSwitchFailed {
		if rec, ok := ev.Data["record"].(failover.SwitchRecord); ok {
			if err := g.journal.AppendSwitchRecord(rec); err != nil {
				g.logger.Warn("Journaling switch record failed", zap.Error(err))
			}
			return
		}
	}

	if err := g.journal.AppendConnectionEvent(journal.FromEvent(ev)); err != nil {
		g.logger.Warn("Journaling event failed",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (g *Guard) recordMetrics(ev events.Event) {
	if g.metrics == nil {
		return
	}

	switch ev.Type {
	case events.ConnectionStateChanged:
		if state, ok := ev.Data["state"].(string); ok {
			g.metrics.SetConnectionState(state)
		}
	case events.NetworkStatusChanged:
		if avail, ok := ev.Data["available"].(bool); ok {
			g.metrics.SetNetworkOnline(avail)
		}
	case events.ReconnectAttemptFailed:
		g.metrics.ObserveReconnectAttempt(false)
	case events.ReconnectSucceeded:
		g.metrics.ObserveReconnectAttempt(true)
	case events.ReconnectExhausted:
		g.metrics.ObserveEpisodeExhausted()
	case events.TokenRenewed:
		g.metrics.ObserveRenewal(ev.Backend, true, floatField(ev, "duration_seconds"))
		g.metrics.SetTokensTracked(len(g.tokens.States()))
	case events.TokenRenewalFailed:
		g.metrics.ObserveRenewal(ev.Backend, false, floatField(ev, "duration_seconds"))
	case events.ProviderSwitchSucceeded, events.ProviderSwitchFailed:
		if rec, ok := ev.Data["record"].(failover.SwitchRecord); ok {
			g.metrics.ObserveSwitch(rec.From, rec.To, rec.Success, rec.Duration.Seconds())
		}
	case events.ProviderHealthChanged:
		if healthy, ok := ev.Data["healthy"].(bool); ok {
			g.metrics.SetProviderHealthy(ev.Backend, healthy)
		}
	}
}

// auditEvent mirrors operation outcomes into the audit log.
func (g *Guard) auditEvent(ev events.Event) {
	if !g.audit.IsEnabled() {
		return
	}

	switch ev.Type {
	case events.ReconnectAttemptFailed:
		g.audit.RecordReconnect(g.failover.Current(), intField(ev, "attempt"), stringField(ev, "error"))
	case events.ReconnectSucceeded:
		g.audit.RecordReconnect(g.failover.Current(), intField(ev, "attempts"), "")
	case events.ProviderSwitchSucceeded, events.ProviderSwitchFailed:
		if rec, ok := ev.Data["record"].(failover.SwitchRecord); ok {
			g.audit.RecordSwitch(rec.From, rec.To, string(rec.Reason), rec.Success, rec.Duration, rec.Error, map[string]any{
				"switch_id": rec.ID,
				"trigger":   rec.Trigger,
			})
		}
	case events.TokenRenewed:
		g.audit.RecordRenewal(ev.Backend, true, renewalDuration(ev), "")
	case events.TokenRenewalFailed:
		g.audit.RecordRenewal(ev.Backend, false, renewalDuration(ev), stringField(ev, "error"))
	}
}

// onNetworkStatus feeds network observations into the lifecycle manager
// and starts a reconnection episode when connectivity comes back. The
// manager's own copy of the event carries the eligibility flag; the
// monitor's copy only moves the manager's status.
func (g *Guard) onNetworkStatus(ev events.Event) {
	if status, ok := ev.Data["status"].(string); ok {
		g.conn.SetNetworkStatus(netmon.ParseStatus(status))
	}

	if eligible, _ := ev.Data["reconnect_eligible"].(bool); !eligible {
		return
	}
	st := g.conn.Stats()
	if !st.AutoReconnect {
		return
	}
	if st.State == conn.StateDisconnected || st.State == conn.StateFailed {
		g.logger.Info("Network recovered, starting reconnection")
		g.conn.StartReconnection(g.connectOperation)
	}
}

// onReconnectExhausted degrades the active provider's health and walks the
// fallback chain with the error that ended the episode.
func (g *Guard) onReconnectExhausted(ctx context.Context, ev events.Event) {
	name := g.failover.Current()
	if name == "" {
		return
	}

	cause := g.conn.LastError()
	if cause == nil {
		cause = rtcerr.ConnectionFailed(stringField(ev, "error"), nil)
	}
	g.failover.NoteFailure(name, cause)

	g.logger.Warn("Reconnection exhausted, walking the fallback chain",
		zap.String("provider", name),
		zap.Error(cause))
	if err := g.failover.AttemptFallback(ctx, cause); err != nil {
		g.logger.Error("Fallback failed", zap.Error(err))
		g.noteFallbackExhausted(name, err)
	}
}

// onTokenRenewed pushes the fresh credential into the live backend when
// the renewal was for the active provider.
func (g *Guard) onTokenRenewed(ctx context.Context, ev events.Event) {
	name := ev.Backend
	g.persistRenewalStats(name)

	if name != g.failover.Current() {
		return
	}
	be := g.failover.ActiveBackend()
	if be == nil {
		return
	}
	info, ok := g.tokens.Token(name)
	if !ok {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, config.CredentialPushTimeout)
	defer cancel()
	if err := be.RenewCredential(pctx, info.Token); err != nil {
		g.logger.Warn("Pushing renewed credential to the live session failed",
			zap.String("provider", name),
			zap.Error(err))
	}
}

// onRenewalFailed degrades the backend's health; when the active provider
// cannot keep a valid credential the fallback chain is walked.
func (g *Guard) onRenewalFailed(ctx context.Context, ev events.Event) {
	name := ev.Backend
	cause := rtcerr.TokenRenewalFailed(name, errors.New(stringField(ev, "error")))
	g.failover.NoteFailure(name, cause)
	g.persistRenewalStats(name)

	if name != g.failover.Current() {
		return
	}
	g.logger.Warn("Active provider cannot renew its credential, walking the fallback chain",
		zap.String("provider", name))
	if err := g.failover.AttemptFallback(ctx, cause); err != nil {
		g.logger.Error("Fallback failed", zap.Error(err))
		g.noteFallbackExhausted(name, err)
	}
}

// onSwitchSucceeded folds the fresh connection into the lifecycle state
// and obtains a credential for the new provider.
func (g *Guard) onSwitchSucceeded(ctx context.Context, ev events.Event) {
	name := ev.Backend

	if g.conn.State() != conn.StateConnected {
		g.conn.StopReconnection()
		g.conn.UpdateState(conn.StateConnected, nil)
	}

	// The new instance wants its own credential. Renewal retries can take
	// a while, so this runs off the loop; without a registered handler it
	// is a logged no-op.
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if _, err := g.tokens.Renew(ctx, name); err != nil {
			g.logger.Debug("Post-switch renewal not performed",
				zap.String("provider", name),
				zap.Error(err))
		}
	}()
}

// onHealthChanged writes the plain-text failure log when a provider is
// marked unhealthy. Recoveries only clear the gauge, handled in
// recordMetrics.
func (g *Guard) onHealthChanged(ev events.Event) {
	healthy, ok := ev.Data["healthy"].(bool)
	if !ok || healthy {
		return
	}
	reason := stringField(ev, "error")
	if reason == "" {
		reason = "marked unhealthy"
	}
	if err := logs.LogProviderFailure(g.cfg.DataDir, ev.Backend, reason); err != nil {
		g.logger.Warn("Writing provider failure log failed", zap.Error(err))
	}
}

func (g *Guard) noteFallbackExhausted(name string, cause error) {
	if err := logs.LogProviderFailure(g.cfg.DataDir, name, "fallback exhausted: "+cause.Error()); err != nil {
		g.logger.Warn("Writing provider failure log failed", zap.Error(err))
	}
}

func (g *Guard) persistRenewalStats(name string) {
	if g.journal == nil {
		return
	}
	if err := g.journal.SaveRenewalStats(name, g.tokens.Stats(name)); err != nil {
		g.logger.Warn("Persisting renewal stats failed",
			zap.String("backend", name),
			zap.Error(err))
	}
}

func stringField(ev events.Event, key string) string {
	s, _ := ev.Data[key].(string)
	return s
}

func floatField(ev events.Event, key string) float64 {
	f, _ := ev.Data[key].(float64)
	return f
}

func intField(ev events.Event, key string) int {
	n, _ := ev.Data[key].(int)
	return n
}

func renewalDuration(ev events.Event) time.Duration {
	return time.Duration(floatField(ev, "duration_seconds") * float64(time.Second))
}
