// Package failover implements the provider failover orchestrator: a
// health-gated switch protocol between registered RTC backends and a
// fallback chain walked when the active provider fails.
package failover

import (
	"time"
)

// Health is the snapshot form of one provider's circuit-breaker state.
type Health struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
}

// SwitchReason records why a provider switch was initiated.
type SwitchReason string

const (
	// ReasonManual is an operator- or application-requested switch.
	ReasonManual SwitchReason = "manual"
	// ReasonFallback is a switch performed while walking the fallback chain.
	ReasonFallback SwitchReason = "fallback"
	// ReasonHealth is a switch away from a provider that degraded.
	ReasonHealth SwitchReason = "health"
	// ReasonAutomatic is a policy-driven switch (e.g. a recommendation
	// applied without operator involvement).
	ReasonAutomatic SwitchReason = "automatic"
)

// SwitchRecord is one entry in the switch history, success or failure.
type SwitchRecord struct {
	ID              string        `json:"id"`
	From            string        `json:"from,omitempty"`
	To              string        `json:"to"`
	Reason          SwitchReason  `json:"reason"`
	Trigger         string        `json:"trigger,omitempty"`
	PreserveSession bool          `json:"preserve_session"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
}

// SwitchOptions controls one switch attempt.
type SwitchOptions struct {
	// PreserveSession captures a session snapshot before teardown and
	// restores it onto the new backend.
	PreserveSession bool
	// Force bypasses the health gate. Forced switches never trigger an
	// automatic fallback on failure.
	Force bool
	// Reason is recorded in the switch history; empty means ReasonManual.
	Reason SwitchReason
}

// ProviderStats summarizes one provider's switch activity and health.
type ProviderStats struct {
	Provider            string    `json:"provider"`
	SwitchesTo          int64     `json:"switches_to"`
	SwitchesFrom        int64     `json:"switches_from"`
	SuccessRate         float64   `json:"success_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Healthy             bool      `json:"healthy"`
	LastSwitch          time.Time `json:"last_switch"`
}

// healthEntry is the mutable gate state behind the Health snapshot.
type healthEntry struct {
	healthy             bool
	consecutiveFailures int
	lastCheck           time.Time
	lastError           string
}

func (h *healthEntry) snapshot() Health {
	return Health{
		Healthy:             h.healthy,
		ConsecutiveFailures: h.consecutiveFailures,
		LastCheck:           h.lastCheck,
		LastError:           h.lastError,
	}
}

// switchCounters accumulates per-provider switch totals for ProviderStats.
type switchCounters struct {
	to         int64
	from       int64
	successes  int64
	failures   int64
	lastSwitch time.Time
}
