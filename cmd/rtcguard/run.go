package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rtcguard/internal/backend/backendtest"
	"rtcguard/internal/config"
	"rtcguard/internal/guard"
	"rtcguard/internal/logs"
	"rtcguard/internal/processlock"
	"rtcguard/internal/rtcerr"
	"rtcguard/internal/shutdown"
)

const shutdownTimeout = 30 * time.Second

func newRunCommand(opts *rootOptions) *cobra.Command {
	var simulate bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the resilience daemon",
		Long: `Run starts the guard with every configured subsystem: the connection
lifecycle manager, the credential renewal scheduler, the failover
orchestrator, the network monitor and the diagnostics surface. Real
backends are registered through the library API; --simulate registers an
in-memory fake for each configured provider instead, which is useful for
exercising the failover and diagnostics paths without an RTC account.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts, simulate)
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false,
		"register an in-memory fake backend for each configured provider")

	return cmd
}

func runDaemon(cmd *cobra.Command, opts *rootOptions, simulate bool) error {
	cfg, cfgPath, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger, logLevel, err := logs.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dataDir, err := cfg.EnsureDataDir()
	if err != nil {
		return err
	}

	lock := processlock.New(dataDir, logger)
	if err := lock.Acquire(cfg.Listen); err != nil {
		return err
	}

	g, err := guard.New(cfg, logger)
	if err != nil {
		_ = lock.Release()
		return err
	}

	// The lock outlives every subsystem, so it releases in the last phase.
	g.ShutdownCoordinator().RegisterFunc("process-lock", shutdown.PhaseCleanup,
		func(context.Context) error { return lock.Release() })

	if simulate {
		if err := registerSimulatedProviders(g, cfg, logger); err != nil {
			return closeAfterFailure(g, err)
		}
	} else if len(cfg.Providers) > 0 {
		logger.Warn("Configured providers have no compiled-in backend; embed rtcguard as a library or pass --simulate",
			zap.Strings("providers", providerNames(cfg)))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := g.Start(ctx); err != nil {
		return closeAfterFailure(g, err)
	}

	if loader := startConfigWatch(g, cfgPath, logLevel, logger); loader != nil {
		g.ShutdownCoordinator().RegisterFunc("config-watcher", shutdown.PhaseDiag,
			func(context.Context) error { return loader.Stop() })
	}

	logger.Info("rtcguard is running",
		zap.String("version", version),
		zap.String("data_dir", dataDir),
		zap.String("diag", g.DiagAddr()),
		zap.Bool("simulate", simulate))

	if simulate {
		if err := g.Connect(ctx); err != nil {
			logger.Warn("Initial connect failed", zap.Error(err))
		}
	}

	<-ctx.Done()
	stop() // a second signal now kills outright
	logger.Info("Shutdown signal received")

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.Close(shCtx); err != nil {
		return err
	}
	logger.Info("rtcguard stopped")
	return nil
}

// closeAfterFailure tears the guard down after a startup error so the
// process lock and any opened journal are released before the error
// surfaces.
func closeAfterFailure(g *guard.Guard, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.Close(ctx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// registerSimulatedProviders backs every configured provider with a
// backendtest fake. Failure injection is seeded from provider params:
// simulate_latency delays each call, simulate_connect_failures makes the
// first N connect attempts fail so reconnection and fallback have
// something to chew on.
func registerSimulatedProviders(g *guard.Guard, cfg *config.Config, logger *zap.Logger) error {
	if len(cfg.Providers) == 0 {
		return rtcerr.Configuration("--simulate needs at least one configured provider")
	}

	validity := cfg.Renewal.TokenValidity.Duration()
	for _, p := range cfg.Providers {
		fake := backendtest.New(p.Name)

		if raw, ok := p.Params["simulate_latency"]; ok {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return rtcerr.Configurationf("provider %s: invalid simulate_latency %q", p.Name, raw)
			}
			fake.SetLatency(d)
		}
		if raw, ok := p.Params["simulate_connect_failures"]; ok {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return rtcerr.Configurationf("provider %s: invalid simulate_connect_failures %q", p.Name, raw)
			}
			for i := 0; i < n; i++ {
				fake.FailConnect(fmt.Errorf("simulated connect failure %d of %d", i+1, n))
			}
		}

		if err := g.RegisterProvider(p.Name, fake.Factory()); err != nil {
			return err
		}

		name := p.Name
		seq := &atomic.Int64{}
		seq.Store(1)
		g.SetToken(name, fmt.Sprintf("sim-%s-1", name), time.Now().Add(validity))
		g.RegisterRenewalHandler(name, func(ctx context.Context) (string, error) {
			return fmt.Sprintf("sim-%s-%d", name, seq.Add(1)), nil
		})

		logger.Info("Registered simulated provider", zap.String("provider", name))
	}

	if len(cfg.FallbackChain) == 0 {
		names := providerNames(cfg)
		g.SetFallbackChain(names)
		logger.Info("Fallback chain defaulted to configured provider order",
			zap.Strings("chain", names))
	}

	return nil
}

func providerNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	return names
}

// startConfigWatch watches the config file and applies the two settings
// that can change without a restart: the fallback chain and the log level.
// Everything else keeps its startup value until the daemon restarts.
func startConfigWatch(g *guard.Guard, path string, level zap.AtomicLevel, logger *zap.Logger) *config.Loader {
	if path == "" {
		logger.Debug("No config file on disk; live reload disabled")
		return nil
	}

	loader, err := config.NewLoader(path, logger)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
		return nil
	}
	if _, err := loader.Load(); err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
		_ = loader.Stop()
		return nil
	}

	err = loader.StartWatching(func(next *config.Config) error {
		g.SetFallbackChain(next.FallbackChain)
		level.SetLevel(logs.ParseLevel(next.Logging.Level))
		logger.Info("Applied configuration changes",
			zap.Strings("fallback_chain", next.FallbackChain),
			zap.String("log_level", next.Logging.Level))
		return nil
	})
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
		_ = loader.Stop()
		return nil
	}

	return loader
}
