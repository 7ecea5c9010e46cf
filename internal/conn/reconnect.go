package conn

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/config"
	"rtcguard/internal/events"
	"rtcguard/internal/netmon"
	"rtcguard/internal/rtcerr"
)

// StartReconnection begins a reconnection episode using op, cancelling any
// episode already in flight. The operation is retained for automatic
// triggers on later disconnects.
func (m *Manager) StartReconnection(op Operation) {
	m.startEpisode(op, false)
}

// ForceReconnection stops the current episode, resets the attempt counter,
// and starts a fresh one.
func (m *Manager) ForceReconnection(op Operation) {
	m.StopReconnection()
	m.startEpisode(op, true)
}

// StopReconnection cancels the in-flight episode. When the manager was
// mid-episode it lands in the disconnected state, not failed.
func (m *Manager) StopReconnection() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.episodeGen++
	stopped := m.episodeCancel != nil
	if stopped {
		m.episodeCancel()
		m.episodeCancel = nil
	}

	var ev StateEvent
	landed := false
	if m.state == StateReconnecting {
		ev, _ = m.applyLocked(StateDisconnected, nil, false)
		landed = true
	}
	m.mu.Unlock()

	if stopped {
		m.logger.Info("Reconnection stopped")
	}
	if landed {
		m.announce(ev)
	}
}

func (m *Manager) startEpisode(op Operation, resetAttempts bool) {
	if op == nil {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.episodeCancel != nil {
		m.episodeCancel()
	}
	m.episodeGen++
	gen := m.episodeGen
	ctx, cancel := context.WithCancel(context.Background())
	m.episodeCancel = cancel
	m.op = op
	if resetAttempts {
		m.attempt = 0
	}
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Reconnection episode starting", zap.Uint64("episode", gen))
	go m.runEpisode(ctx, gen, op)
}

// runEpisode is the retry loop: back off, sleep, try, until success,
// cancellation, a non-recoverable error, or attempt exhaustion.
func (m *Manager) runEpisode(ctx context.Context, gen uint64, op Operation) {
	defer m.wg.Done()

	var lastErr error
	for {
		m.mu.Lock()
		if m.closed || gen != m.episodeGen {
			m.mu.Unlock()
			return
		}
		if m.attempt >= m.cfg.MaxAttempts {
			m.mu.Unlock()
			m.giveUp(gen, lastErr, "attempts exhausted")
			return
		}
		m.attempt++
		attempt := m.attempt
		ev, _ := m.applyLocked(StateReconnecting, nil, false)
		delay := backoffDelay(m.cfg, attempt)
		m.mu.Unlock()

		m.announce(ev)
		m.publishEpisode(events.ReconnectAttemptStarted, map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
		})
		m.logger.Info("Reconnection attempt scheduled",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if m.NetworkStatus() == netmon.StatusUnavailable {
			lastErr = rtcerr.NetworkUnavailable()
			m.logger.Warn("Skipping reconnection attempt, network unavailable",
				zap.Int("attempt", attempt))
			m.publishEpisode(events.ReconnectAttemptFailed, map[string]any{
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
			continue
		}

		err := op(ctx)
		if ctx.Err() != nil {
			// Cancelled mid-call; whatever op returned no longer matters.
			return
		}

		if err == nil {
			m.mu.Lock()
			if m.closed || gen != m.episodeGen {
				m.mu.Unlock()
				return
			}
			ev, _ := m.applyLocked(StateConnected, nil, false)
			m.episodeCancel = nil
			m.mu.Unlock()

			m.announce(ev)
			m.publishEpisode(events.ReconnectSucceeded, map[string]any{
				"attempts": attempt,
			})
			m.logger.Info("Reconnection succeeded", zap.Int("attempts", attempt))
			return
		}

		lastErr = err
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()

		m.logger.Warn("Reconnection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		m.publishEpisode(events.ReconnectAttemptFailed, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})

		if !rtcerr.IsRecoverable(err) {
			m.giveUp(gen, err, "non-recoverable error")
			return
		}
	}
}

// giveUp ends an episode in the failed state and publishes the exhaustion
// notification. The generation check makes it fire at most once per episode
// and never for a superseded one.
func (m *Manager) giveUp(gen uint64, cause error, reason string) {
	m.mu.Lock()
	if m.closed || gen != m.episodeGen {
		m.mu.Unlock()
		return
	}
	if cause == nil {
		cause = rtcerr.ConnectionFailed("reconnection attempts exhausted", nil)
	}
	attempts := m.attempt
	ev, _ := m.applyLocked(StateFailed, cause, false)
	m.episodeCancel = nil
	m.mu.Unlock()

	m.announce(ev)
	m.publishEpisode(events.ReconnectExhausted, map[string]any{
		"attempts": attempts,
		"reason":   reason,
		"error":    cause.Error(),
	})
	m.logger.Error("Reconnection gave up",
		zap.Int("attempts", attempts),
		zap.String("reason", reason),
		zap.Error(cause))
}

func (m *Manager) publishEpisode(t events.EventType, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      t,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// backoffDelay computes the exponential delay for the given 1-based
// attempt, capped at MaxDelay.
func backoffDelay(cfg config.ReconnectionConfig, attempt int) time.Duration {
	base := cfg.BaseDelay.Duration()
	max := cfg.MaxDelay.Duration()

	d := time.Duration(float64(base) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1)))
	if d > max || d <= 0 {
		// A negative value means the float overflowed.
		return max
	}
	return d
}
