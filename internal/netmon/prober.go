package netmon

import (
	"context"
	"net"
	"time"
)

// Prober determines the current network status on demand.
type Prober interface {
	Probe(ctx context.Context) Status
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) Status

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) Status { return f(ctx) }

// DialProber decides availability by dialing TCP endpoints. It cannot tell
// wifi from cellular, so fully reachable reports AvailableAs; partially
// reachable reports limited.
type DialProber struct {
	// Endpoints are host:port addresses to dial.
	Endpoints []string

	// Timeout bounds each individual dial.
	Timeout time.Duration

	// AvailableAs is reported when every endpoint answers. Defaults to
	// StatusWifi.
	AvailableAs Status

	// Dialer overrides the dialer used for probes, mainly for tests.
	Dialer *net.Dialer
}

// Probe implements Prober.
func (p *DialProber) Probe(ctx context.Context) Status {
	if len(p.Endpoints) == 0 {
		return StatusUnknown
	}

	dialer := p.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	reached := 0
	for _, addr := range p.Endpoints {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			continue
		}
		_ = conn.Close()
		reached++
	}

	switch {
	case reached == 0:
		return StatusUnavailable
	case reached == len(p.Endpoints):
		if p.AvailableAs.Available() {
			return p.AvailableAs
		}
		return StatusWifi
	default:
		return StatusLimited
	}
}
