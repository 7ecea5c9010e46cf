// Package netmon tracks network availability for the reconnection and
// failover layers. Status can be pushed by a platform adapter or pulled
// by probing configured endpoints.
package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/events"
)

// Status describes the transport the host currently has, if any.
type Status int

const (
	StatusUnknown Status = iota
	StatusUnavailable
	StatusWifi
	StatusCellular
	StatusLimited
)

// String returns the wire form used in events and logs.
func (s Status) String() string {
	switch s {
	case StatusUnavailable:
		return "unavailable"
	case StatusWifi:
		return "wifi"
	case StatusCellular:
		return "cellular"
	case StatusLimited:
		return "limited"
	default:
		return "unknown"
	}
}

// ParseStatus maps the wire form back to a Status. Unrecognized input
// yields StatusUnknown.
func ParseStatus(s string) Status {
	switch s {
	case "unavailable":
		return StatusUnavailable
	case "wifi":
		return StatusWifi
	case "cellular":
		return StatusCellular
	case "limited":
		return StatusLimited
	default:
		return StatusUnknown
	}
}

// Available reports whether the status permits connection attempts.
// Limited connectivity still counts: a degraded path beats none.
func (s Status) Available() bool {
	return s != StatusUnknown && s != StatusUnavailable
}

// Monitor holds the current network status and publishes a
// NetworkStatusChanged event whenever it moves.
type Monitor struct {
	mu     sync.RWMutex
	status Status

	logger   *zap.Logger
	bus      *events.Bus
	prober   Prober
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProber attaches a pull-based probe polled at the given interval.
func WithProber(p Prober, interval time.Duration) Option {
	return func(m *Monitor) {
		m.prober = p
		m.interval = interval
	}
}

// NewMonitor creates a monitor starting at StatusUnknown.
func NewMonitor(logger *zap.Logger, bus *events.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		status: StatusUnknown,
		logger: logger.Named("netmon"),
		bus:    bus,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the probe loop when a prober is configured. Without one
// the monitor is purely push-driven and Start is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil || m.interval <= 0 {
		close(m.doneCh)
		return
	}

	go m.probeLoop(ctx)
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Probe once before the first tick so the initial status does not
	// stay unknown for a full interval.
	m.SetStatus(m.prober.Probe(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SetStatus(m.prober.Probe(ctx))
		}
	}
}

// SetStatus records a status observed by a platform adapter or probe and
// publishes the change. Setting the current status is a no-op.
func (m *Monitor) SetStatus(next Status) {
	m.mu.Lock()
	prev := m.status
	if next == prev {
		m.mu.Unlock()
		return
	}
	m.status = next
	m.mu.Unlock()

	m.logger.Info("Network status changed",
		zap.String("previous", prev.String()),
		zap.String("status", next.String()))

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.NetworkStatusChanged,
			Timestamp: time.Now(),
			Data: map[string]any{
				"previous":  prev.String(),
				"status":    next.String(),
				"available": next.Available(),
			},
		})
	}
}

// Status returns the last observed status.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Available reports whether the last observed status permits connecting.
func (m *Monitor) Available() bool {
	return m.Status().Available()
}

// Close stops the probe loop and waits for it to exit.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}
