package conn

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/config"
	"rtcguard/internal/events"
	"rtcguard/internal/netmon"
	"rtcguard/internal/rtcerr"
)

// Manager owns the connection state machine. All mutation goes through it;
// reads return snapshots.
type Manager struct {
	mu sync.RWMutex

	cfg    config.ReconnectionConfig
	bus    *events.Bus
	logger *zap.Logger

	state         State
	lastErr       error
	network       netmon.Status
	attempt       int
	autoReconnect bool
	op            Operation

	history      []StateEvent
	historyLimit int

	// Connect-timeout timer. The generation counter invalidates stale
	// callbacks after a state change raced the timer.
	timer    *time.Timer
	timerGen uint64

	// Reconnection episode. episodeGen identifies the current episode; a
	// goroutine whose generation no longer matches must not touch state.
	episodeCancel func()
	episodeGen    uint64
	wg            sync.WaitGroup

	transitions      map[State]int64
	connectedSince   time.Time
	lastConnected    time.Time
	lastDisconnected time.Time
	connectedTotal   time.Duration
	connectedSpans   int64

	closed bool
}

// New creates a manager in the disconnected state. A nil bus disables event
// publication.
func New(cfg config.ReconnectionConfig, bus *events.Bus, logger *zap.Logger) *Manager {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.Duration(config.DefaultConnectTimeout)
	}

	return &Manager{
		cfg:           cfg,
		bus:           bus,
		logger:        logger.Named("conn"),
		state:         StateDisconnected,
		network:       netmon.StatusUnknown,
		autoReconnect: cfg.AutoReconnect,
		historyLimit:  config.ConnectionHistoryLimit,
		transitions:   make(map[State]int64),
	}
}

// UpdateState applies a transition and its side effects: connect timers,
// attempt counter resets, history, events, and automatic reconnection.
func (m *Manager) UpdateState(next State, cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ev, trigger := m.applyLocked(next, cause, true)
	op := m.op
	m.mu.Unlock()

	m.announce(ev)
	if trigger {
		m.startEpisode(op, false)
	}
}

// applyLocked performs the transition while holding the write lock. It
// returns the recorded event and whether an automatic reconnection episode
// should start. Callers publish the event after unlocking.
func (m *Manager) applyLocked(next State, cause error, allowAuto bool) (StateEvent, bool) {
	prev := m.state
	now := time.Now()
	m.state = next
	if cause != nil {
		m.lastErr = cause
	}

	// Any transition retires the current connect timer; entering
	// connecting arms a fresh one.
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if next == StateConnecting {
		gen := m.timerGen
		m.timer = time.AfterFunc(m.cfg.ConnectTimeout.Duration(), func() {
			m.connectTimedOut(gen)
		})
	}

	if next == StateConnected {
		m.attempt = 0
		m.lastErr = nil
		m.connectedSince = now
		m.lastConnected = now
	}
	if prev == StateConnected && next != StateConnected {
		if !m.connectedSince.IsZero() {
			m.connectedTotal += now.Sub(m.connectedSince)
			m.connectedSpans++
			m.connectedSince = time.Time{}
		}
		m.lastDisconnected = now
	}

	m.transitions[next]++

	ev := StateEvent{
		State:     next,
		Previous:  prev,
		Timestamp: now,
		Err:       cause,
		Network:   m.network,
		Attempt:   m.attempt,
	}
	m.history = append(m.history, ev)
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}

	trigger := allowAuto &&
		(next == StateDisconnected || next == StateFailed) &&
		m.autoReconnect &&
		m.network != netmon.StatusUnavailable &&
		m.op != nil
	return ev, trigger
}

// announce logs a transition and publishes it on the bus.
func (m *Manager) announce(ev StateEvent) {
	fields := []zap.Field{
		zap.String("state", ev.State.String()),
		zap.String("previous", ev.Previous.String()),
		zap.String("network", ev.Network.String()),
	}
	if ev.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", ev.Attempt))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
		m.logger.Warn("Connection state changed", fields...)
	} else {
		m.logger.Info("Connection state changed", fields...)
	}

	if m.bus == nil {
		return
	}
	data := map[string]any{
		"state":    ev.State.String(),
		"previous": ev.Previous.String(),
		"network":  ev.Network.String(),
		"attempt":  ev.Attempt,
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	m.bus.Publish(events.Event{
		Type:      events.ConnectionStateChanged,
		Timestamp: ev.Timestamp,
		Data:      data,
	})
}

// connectTimedOut fires when a connect attempt exceeded its deadline. A
// stale generation means the state already moved on.
func (m *Manager) connectTimedOut(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.timerGen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	ev, trigger := m.applyLocked(StateFailed, rtcerr.ConnectionTimeout(), true)
	op := m.op
	timeout := m.cfg.ConnectTimeout.Duration()
	m.mu.Unlock()

	m.logger.Warn("Connect attempt timed out", zap.Duration("timeout", timeout))
	m.announce(ev)
	if trigger {
		m.startEpisode(op, false)
	}
}

// SetAutoReconnect toggles automatic episode starts on disconnect/failure.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	m.autoReconnect = enabled
	m.mu.Unlock()
	m.logger.Info("Auto-reconnect setting changed", zap.Bool("enabled", enabled))
}

// SetOperation stores the operation automatic episodes will run, without
// starting one. StartReconnection and ForceReconnection overwrite it.
func (m *Manager) SetOperation(op Operation) {
	m.mu.Lock()
	m.op = op
	m.mu.Unlock()
}

// SetNetworkStatus records a network status observation. Losing the network
// while connected forces a disconnect; regaining it marks the change as
// reconnect-eligible so the owner can kick off an episode.
func (m *Manager) SetNetworkStatus(st netmon.Status) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	prev := m.network
	if st == prev {
		m.mu.Unlock()
		return
	}
	m.network = st

	var ev StateEvent
	forced := false
	if st == netmon.StatusUnavailable && m.state == StateConnected {
		ev, _ = m.applyLocked(StateDisconnected, rtcerr.NetworkUnavailable(), true)
		forced = true
	}
	m.mu.Unlock()

	if forced {
		m.logger.Warn("Network lost while connected, forcing disconnect")
		m.announce(ev)
	}

	if m.bus != nil {
		data := map[string]any{
			"previous":  prev.String(),
			"status":    st.String(),
			"available": st.Available(),
		}
		if !prev.Available() && st.Available() {
			data["reconnect_eligible"] = true
		}
		m.bus.Publish(events.Event{
			Type:      events.NetworkStatusChanged,
			Timestamp: time.Now(),
			Data:      data,
		})
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError returns the most recent error, nil after a successful connect.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// NetworkStatus returns the last recorded network status.
func (m *Manager) NetworkStatus() netmon.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.network
}

// History returns the most recent transitions, newest last. A non-positive
// limit returns everything retained.
func (m *Manager) History(limit int) []StateEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]StateEvent, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// Stats returns a snapshot of counters and timings.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		State:              m.state,
		Network:            m.network.String(),
		ReconnectAttempts:  m.attempt,
		AutoReconnect:      m.autoReconnect,
		Transitions:        make(map[string]int64, len(m.transitions)),
		LastConnectedAt:    m.lastConnected,
		LastDisconnectedAt: m.lastDisconnected,
		HistoryLength:      len(m.history),
	}
	for state, count := range m.transitions {
		st.Transitions[state.String()] = count
	}
	if m.connectedSpans > 0 {
		st.AvgConnectedTime = m.connectedTotal / time.Duration(m.connectedSpans)
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Close cancels any running episode and timers and waits for the episode
// goroutine to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.episodeGen++
	if m.episodeCancel != nil {
		m.episodeCancel()
		m.episodeCancel = nil
	}
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
}
