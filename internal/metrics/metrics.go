// Package metrics exposes the guard's Prometheus collectors. The Collector
// owns its registry so tests and embedding applications never collide with
// the default global one. A nil *Collector is a valid no-op, which is how
// the rest of the code handles metrics being disabled.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtcguard"

// Collector bundles every metric the guard records.
type Collector struct {
	registry *prometheus.Registry

	reconnectAttempts *prometheus.CounterVec
	episodesExhausted prometheus.Counter
	renewals          *prometheus.CounterVec
	switches          *prometheus.CounterVec

	connectionState *prometheus.GaugeVec
	networkOnline   prometheus.Gauge
	providerHealthy *prometheus.GaugeVec
	tokensTracked   prometheus.Gauge

	switchDuration  prometheus.Histogram
	renewalDuration prometheus.Histogram

	mu        sync.Mutex
	lastState string
}

// New builds a collector with a fresh registry. droppedEvents, when non-nil,
// feeds the events_dropped_total counter; wire it to events.Bus.Dropped so
// slow diagnostic consumers become visible.
func New(droppedEvents func() int64) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnection attempts",
		},
		[]string{"outcome"},
	)

	c.episodesExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_episodes_exhausted_total",
			Help:      "Total number of reconnection episodes that gave up",
		},
	)

	c.renewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_renewals_total",
			Help:      "Total number of credential renewals",
		},
		[]string{"backend", "outcome"},
	)

	c.switches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_switches_total",
			Help:      "Total number of provider switches",
		},
		[]string{"from", "to", "outcome"},
	)

	c.connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	c.networkOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "Network reachability (1=online, 0=offline)",
		},
	)

	c.providerHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "Provider health verdict (1=healthy, 0=unhealthy)",
		},
		[]string{"provider"},
	)

	c.tokensTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tokens_tracked",
			Help:      "Number of credentials under renewal management",
		},
	)

	c.switchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "switch_duration_seconds",
			Help:      "Duration of provider switches in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	c.renewalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "renewal_duration_seconds",
			Help:      "Duration of credential renewals in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.reconnectAttempts,
		c.episodesExhausted,
		c.renewals,
		c.switches,
		c.connectionState,
		c.networkOnline,
		c.providerHealthy,
		c.tokensTracked,
		c.switchDuration,
		c.renewalDuration,
	)

	if droppedEvents != nil {
		c.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of bus events dropped on full subscriber buffers",
			},
			func() float64 { return float64(droppedEvents()) },
		))
	}

	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format. A nil collector
// yields a handler over an empty registry so the diag mux never 404s.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveReconnectAttempt counts one reconnection attempt.
func (c *Collector) ObserveReconnectAttempt(success bool) {
	if c == nil {
		return
	}
	c.reconnectAttempts.WithLabelValues(outcome(success)).Inc()
}

// ObserveEpisodeExhausted counts a reconnection episode that ran out of
// attempts.
func (c *Collector) ObserveEpisodeExhausted() {
	if c == nil {
		return
	}
	c.episodesExhausted.Inc()
}

// ObserveRenewal counts one finished renewal and, when the duration is
// known, feeds the latency histogram.
func (c *Collector) ObserveRenewal(backend string, success bool, seconds float64) {
	if c == nil {
		return
	}
	c.renewals.WithLabelValues(backend, outcome(success)).Inc()
	if seconds > 0 {
		c.renewalDuration.Observe(seconds)
	}
}

// ObserveSwitch counts one finished provider switch.
func (c *Collector) ObserveSwitch(from, to string, success bool, seconds float64) {
	if c == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	c.switches.WithLabelValues(from, to, outcome(success)).Inc()
	if seconds > 0 {
		c.switchDuration.Observe(seconds)
	}
}

// SetConnectionState marks the given state active and clears the previous
// one, so at most one state series reads 1.
func (c *Collector) SetConnectionState(state string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.lastState != "" && c.lastState != state {
		c.connectionState.WithLabelValues(c.lastState).Set(0)
	}
	c.lastState = state
	c.mu.Unlock()
	c.connectionState.WithLabelValues(state).Set(1)
}

// SetNetworkOnline records the reachability verdict.
func (c *Collector) SetNetworkOnline(online bool) {
	if c == nil {
		return
	}
	if online {
		c.networkOnline.Set(1)
	} else {
		c.networkOnline.Set(0)
	}
}

// SetProviderHealthy records a provider's health verdict.
func (c *Collector) SetProviderHealthy(provider string, healthy bool) {
	if c == nil {
		return
	}
	if healthy {
		c.providerHealthy.WithLabelValues(provider).Set(1)
	} else {
		c.providerHealthy.WithLabelValues(provider).Set(0)
	}
}

// RemoveProvider drops the health series of an unregistered provider.
func (c *Collector) RemoveProvider(provider string) {
	if c == nil {
		return
	}
	c.providerHealthy.DeleteLabelValues(provider)
}

// SetTokensTracked records how many credentials the scheduler holds.
func (c *Collector) SetTokensTracked(n int) {
	if c == nil {
		return
	}
	c.tokensTracked.Set(float64(n))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
