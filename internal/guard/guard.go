// Package guard assembles the resilience subsystems into one facade: the
// connection lifecycle manager, the credential renewal scheduler, and the
// provider failover orchestrator, together with the network monitor,
// journal, metrics, and diagnostics server that observe them.
//
// The guard also owns the reaction rules that tie the subsystems to each
// other: an exhausted reconnection episode degrades the provider's health
// and walks the fallback chain, a renewed credential is pushed into the
// live backend session, and a recovered network kicks off reconnection.
package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/backend"
	"rtcguard/internal/config"
	"rtcguard/internal/conn"
	"rtcguard/internal/diag"
	"rtcguard/internal/events"
	"rtcguard/internal/failover"
	"rtcguard/internal/journal"
	"rtcguard/internal/logs"
	"rtcguard/internal/metrics"
	"rtcguard/internal/netmon"
	"rtcguard/internal/rtcerr"
	"rtcguard/internal/session"
	"rtcguard/internal/shutdown"
	"rtcguard/internal/token"
)

// Guard is the top-level entry point. Applications register provider
// factories and credentials, then drive the session through Connect,
// Suspend, and SwitchProvider; everything else reacts to bus events.
type Guard struct {
	cfg    *config.Config
	logger *zap.Logger

	bus      *events.Bus
	registry *backend.Registry
	sessions *session.MemoryRecorder
	conn     *conn.Manager
	tokens   *token.Scheduler
	failover *failover.Orchestrator
	network  *netmon.Monitor
	journal  *journal.Journal
	metrics  *metrics.Collector
	audit    *logs.AuditLogger
	diag     *diag.Server
	shutdown *shutdown.Coordinator

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	feed    <-chan events.Event
	wg      sync.WaitGroup
}

// New builds a guard from the configuration. Nil sections are filled with
// defaults; an enabled journal opens its database under the data
// directory. Nothing connects until Connect is called.
func New(cfg *config.Config, logger *zap.Logger) (*Guard, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bus := events.NewBus()
	registry := backend.NewRegistry(logger)

	appCfg := backend.AppConfig{}
	if cfg.AppSession != nil {
		appCfg = backend.AppConfig{
			Room:     cfg.AppSession.Room,
			Identity: cfg.AppSession.Identity,
			Params:   cfg.AppSession.Params,
		}
	}
	sessions := session.NewMemoryRecorder(appCfg, logger)

	g := &Guard{
		cfg:      cfg,
		logger:   logger.Named("guard"),
		bus:      bus,
		registry: registry,
		sessions: sessions,
		conn:     conn.New(*cfg.Reconnection, bus, logger),
		tokens:   token.New(*cfg.Renewal, bus, logger),
		shutdown: shutdown.NewCoordinator(logger),
	}
	g.failover = failover.New(*cfg.Failover, registry, bus, logger,
		failover.WithSessions(sessions),
		failover.WithAppConfig(appCfg),
	)
	g.failover.SetFallbackChain(cfg.FallbackChain)

	var netOpts []netmon.Option
	if n := cfg.Network; n != nil && len(n.ProbeEndpoints) > 0 {
		netOpts = append(netOpts, netmon.WithProber(&netmon.DialProber{
			Endpoints:   n.ProbeEndpoints,
			Timeout:     n.ProbeTimeout.Duration(),
			AvailableAs: netmon.ParseStatus(n.AvailableStatus),
		}, n.ProbeInterval.Duration()))
	}
	g.network = netmon.NewMonitor(logger, bus, netOpts...)

	audit, err := logs.NewAuditLogger(cfg.Logging)
	if err != nil {
		g.closePartial()
		return nil, err
	}
	g.audit = audit

	if cfg.Journal != nil && cfg.Journal.Enabled {
		dir, err := cfg.EnsureDataDir()
		if err != nil {
			g.closePartial()
			return nil, err
		}
		j, err := journal.Open(dir, *cfg.Journal, logger)
		if err != nil {
			g.closePartial()
			return nil, err
		}
		g.journal = j
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		g.metrics = metrics.New(bus.Dropped)
	}
	if cfg.Listen != "" {
		g.diag = diag.New(cfg.Listen, diag.Deps{
			Conn:     g.conn,
			Tokens:   g.tokens,
			Failover: g.failover,
			Network:  g.network,
			Journal:  g.journal,
			Metrics:  g.metrics,
			Bus:      bus,
		}, logger)
	}

	g.registerShutdownHandlers()
	return g, nil
}

// closePartial tears down what New built before it failed.
func (g *Guard) closePartial() {
	g.conn.Close()
	g.tokens.Close()
	_ = g.failover.Close()
	g.bus.Close()
}

// Start launches the background machinery: the shared event loop, the
// renewal scanner, network probing, and the diagnostics server when one is
// configured. The context bounds the background loops; Close tears the
// guard down regardless.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return rtcerr.Configuration("guard is closed")
	}
	if g.started {
		g.mu.Unlock()
		return rtcerr.Configuration("guard already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.started = true
	g.cancel = cancel
	g.feed = g.bus.SubscribeAll()
	g.mu.Unlock()

	// The operation reads the orchestrator at call time, so provider
	// switches re-point retries without any re-arming.
	g.conn.SetOperation(g.connectOperation)

	g.network.Start(runCtx)
	g.tokens.Start(runCtx)

	g.wg.Add(1)
	go g.eventLoop(runCtx)

	if g.metrics != nil {
		g.metrics.SetConnectionState(g.conn.State().String())
		g.metrics.SetNetworkOnline(g.network.Available())
		g.metrics.SetTokensTracked(len(g.tokens.States()))
	}

	if g.diag != nil {
		if err := g.diag.Start(); err != nil {
			return err
		}
	}

	g.logger.Info("Guard started",
		zap.Strings("fallback_chain", g.failover.FallbackChain()),
		zap.Strings("providers", g.registry.Names()))
	return nil
}

// Close runs the coordinated shutdown: diagnostics first, then the
// scanners, the backends, the journal, and finally the bus. Safe to call
// more than once.
func (g *Guard) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return g.shutdown.Shutdown(ctx)
}

// connectOperation connects whatever backend is currently active. Used as
// the reconnection operation for every episode.
func (g *Guard) connectOperation(ctx context.Context) error {
	be := g.failover.ActiveBackend()
	if be == nil {
		return rtcerr.ConnectionFailed("no active provider", nil)
	}
	return be.Connect(ctx)
}

// Connect brings the session up. With no provider active yet, the first
// healthy entry of the fallback chain is brought up via the switch
// protocol. A failure leaves the manager in the failed state, which starts
// a reconnection episode when auto-reconnect is enabled.
func (g *Guard) Connect(ctx context.Context) error {
	g.conn.UpdateState(conn.StateConnecting, nil)

	if g.failover.ActiveBackend() == nil {
		target, ok := g.failover.RecommendedProvider()
		if !ok {
			err := rtcerr.AllProvidersFailed(errors.New("no healthy provider in the fallback chain"))
			g.conn.UpdateState(conn.StateFailed, err)
			return err
		}
		if err := g.failover.SwitchProvider(ctx, target, failover.SwitchOptions{Reason: failover.ReasonAutomatic}); err != nil {
			g.conn.UpdateState(conn.StateFailed, err)
			return err
		}
		g.conn.UpdateState(conn.StateConnected, nil)
		return nil
	}

	if err := g.connectOperation(ctx); err != nil {
		g.conn.UpdateState(conn.StateFailed, err)
		return err
	}
	g.conn.UpdateState(conn.StateConnected, nil)
	return nil
}

// Suspend pauses the session on purpose: any running episode stops, the
// live backend disconnects, and the manager parks in the suspended state
// where automatic reconnection stays quiet. Resume re-establishes.
func (g *Guard) Suspend(ctx context.Context) error {
	g.conn.StopReconnection()

	var derr error
	if be := g.failover.ActiveBackend(); be != nil {
		dctx, cancel := context.WithTimeout(ctx, config.BackendDisconnectTimeout)
		derr = be.Disconnect(dctx)
		cancel()
		if errors.Is(derr, backend.ErrNoActiveSession) {
			derr = nil
		}
	}
	g.conn.UpdateState(conn.StateSuspended, nil)
	return derr
}

// Resume re-establishes the session after a Suspend.
func (g *Guard) Resume(ctx context.Context) error {
	return g.Connect(ctx)
}

// RegisterProvider makes a provider eligible for switches and fallback.
func (g *Guard) RegisterProvider(name string, factory backend.Factory) error {
	if err := g.failover.RegisterProvider(name, factory); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.SetProviderHealthy(name, true)
	}
	return nil
}

// UnregisterProvider removes a provider. Fails while it is active.
func (g *Guard) UnregisterProvider(name string) error {
	if err := g.failover.UnregisterProvider(name); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.RemoveProvider(name)
	}
	return nil
}

// SetFallbackChain replaces the ordered fallback preference.
func (g *Guard) SetFallbackChain(chain []string) {
	g.failover.SetFallbackChain(chain)
}

// SwitchProvider moves the session to the named provider.
func (g *Guard) SwitchProvider(ctx context.Context, target string, opts failover.SwitchOptions) error {
	return g.failover.SwitchProvider(ctx, target, opts)
}

// CurrentProvider returns the active provider name, empty when none.
func (g *Guard) CurrentProvider() string {
	return g.failover.Current()
}

// State returns the connection lifecycle state.
func (g *Guard) State() conn.State {
	return g.conn.State()
}

// ConnectionStats returns the lifecycle manager's summary.
func (g *Guard) ConnectionStats() conn.Stats {
	return g.conn.Stats()
}

// HealthSnapshot returns per-provider health.
func (g *Guard) HealthSnapshot() map[string]failover.Health {
	return g.failover.HealthSnapshot()
}

// SetToken records a credential for a backend and arms its expiration
// monitor.
func (g *Guard) SetToken(name, tok string, expiresAt time.Time) {
	g.tokens.SetToken(name, tok, expiresAt)
	if g.metrics != nil {
		g.metrics.SetTokensTracked(len(g.tokens.States()))
	}
}

// RemoveToken forgets a backend's credential and stops its monitor.
func (g *Guard) RemoveToken(name string) {
	g.tokens.Remove(name)
	if g.metrics != nil {
		g.metrics.SetTokensTracked(len(g.tokens.States()))
	}
}

// RegisterRenewalHandler installs the operation that obtains a fresh
// credential for the named backend.
func (g *Guard) RegisterRenewalHandler(name string, fn token.RenewalFunc) {
	g.tokens.RegisterRenewalHandler(name, fn)
}

// RegisterExpirationHandler installs the warning callback fired when the
// named backend's credential enters the advance window.
func (g *Guard) RegisterExpirationHandler(name string, fn token.ExpirationFunc) {
	g.tokens.RegisterExpirationHandler(name, fn)
}

// RenewNow forces a credential renewal for the named backend.
func (g *Guard) RenewNow(ctx context.Context, name string) (token.Info, error) {
	return g.tokens.Renew(ctx, name)
}

// SetNetworkStatus pushes a network observation from a platform adapter.
// Deployments with probe endpoints configured get the same signal from the
// dial prober.
func (g *Guard) SetNetworkStatus(st netmon.Status) {
	g.network.SetStatus(st)
}

// Bus exposes the event bus so applications can observe the guard.
func (g *Guard) Bus() *events.Bus {
	return g.bus
}

// ShutdownCoordinator exposes the coordinator so embedders can hang their
// own teardown off the guard's phases.
func (g *Guard) ShutdownCoordinator() *shutdown.Coordinator {
	return g.shutdown
}

// DiagAddr returns the diagnostics server's bound address, empty when the
// server is disabled or not yet started.
func (g *Guard) DiagAddr() string {
	if g.diag == nil {
		return ""
	}
	return g.diag.Addr()
}

func (g *Guard) registerShutdownHandlers() {
	if g.diag != nil {
		g.shutdown.RegisterFunc("diag-server", shutdown.PhaseDiag, func(ctx context.Context) error {
			return g.diag.Shutdown(ctx)
		})
	}

	g.shutdown.RegisterFunc("token-scheduler", shutdown.PhaseScanners, func(context.Context) error {
		g.tokens.Close()
		return nil
	})
	g.shutdown.RegisterFunc("network-monitor", shutdown.PhaseScanners, func(context.Context) error {
		// Close waits for the probe loop, which only runs once Start has
		// been called.
		g.mu.Lock()
		started := g.started
		g.mu.Unlock()
		if started {
			g.network.Close()
		}
		return nil
	})
	g.shutdown.RegisterFunc("conn-manager", shutdown.PhaseScanners, func(context.Context) error {
		g.conn.Close()
		return nil
	})

	g.shutdown.RegisterFunc("failover", shutdown.PhaseBackends, func(context.Context) error {
		return g.failover.Close()
	})

	// The event loop drains before the journal underneath it closes.
	g.shutdown.Register(&shutdown.Handler{
		Name:     "event-loop",
		Phase:    shutdown.PhaseJournal,
		Priority: 10,
		Fn: func(context.Context) error {
			g.mu.Lock()
			cancel := g.cancel
			g.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			g.wg.Wait()
			return nil
		},
	})
	if g.journal != nil {
		g.shutdown.RegisterFunc("journal", shutdown.PhaseJournal, func(context.Context) error {
			return g.journal.Close()
		})
	}

	g.shutdown.RegisterFunc("event-bus", shutdown.PhaseCleanup, func(context.Context) error {
		g.bus.Close()
		return nil
	})
	g.shutdown.RegisterFunc("audit-log", shutdown.PhaseCleanup, func(context.Context) error {
		return g.audit.Close()
	})
}
