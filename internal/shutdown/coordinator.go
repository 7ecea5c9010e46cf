// Package shutdown sequences teardown across the guard's subsystems.
// Handlers register into ordered phases so observers stop before the
// scanners they watch, scanners before the backends they drive, and the
// journal closes only after the last writer is gone.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/config"
)

// Phase orders shutdown work. Phases run sequentially; handlers inside a
// phase run by descending priority.
type Phase int

const (
	// PhaseDiag stops the diagnostics surface (HTTP API, websocket feed,
	// metrics endpoint) so nothing new attaches while teardown runs.
	PhaseDiag Phase = iota
	// PhaseScanners halts background loops: reconnection episodes, the
	// renewal scanner, the network monitor.
	PhaseScanners
	// PhaseBackends disconnects and closes the active provider backend.
	PhaseBackends
	// PhaseJournal flushes and closes persistent state.
	PhaseJournal
	// PhaseCleanup releases the process lock and syncs logs.
	PhaseCleanup
)

// String returns the phase name used in logs and progress reports.
func (p Phase) String() string {
	switch p {
	case PhaseDiag:
		return "Diagnostics"
	case PhaseScanners:
		return "Scanners"
	case PhaseBackends:
		return "Backends"
	case PhaseJournal:
		return "Journal"
	case PhaseCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// phaseOrder is the execution sequence.
var phaseOrder = []Phase{
	PhaseDiag,
	PhaseScanners,
	PhaseBackends,
	PhaseJournal,
	PhaseCleanup,
}

// HandlerFunc performs one piece of shutdown work. The context carries the
// per-handler deadline.
type HandlerFunc func(ctx context.Context) error

// Handler is a registered piece of shutdown work.
type Handler struct {
	Name     string
	Phase    Phase
	Priority int // higher runs first within the phase
	Fn       HandlerFunc
	Timeout  time.Duration // 0 = coordinator default
}

// Coordinator runs registered handlers phase by phase exactly once.
type Coordinator struct {
	mu       sync.RWMutex
	handlers map[Phase][]*Handler
	logger   *zap.Logger

	shutdownOnce   sync.Once
	shutdownDone   chan struct{}
	shutdownErr    error
	isShuttingDown atomic.Bool

	defaultTimeout time.Duration
	totalTimeout   time.Duration

	progressCh chan Progress
}

// Progress reports one handler's outcome during shutdown.
type Progress struct {
	Phase     Phase
	Handler   string
	Completed bool
	Error     error
	Duration  time.Duration
}

// NewCoordinator creates a coordinator with the default timeouts.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		handlers:       make(map[Phase][]*Handler),
		logger:         logger.Named("shutdown"),
		shutdownDone:   make(chan struct{}),
		defaultTimeout: config.ShutdownHandlerTimeout,
		totalTimeout:   config.ShutdownTotalTimeout,
		progressCh:     make(chan Progress, 100),
	}
}

// Register adds a shutdown handler.
func (c *Coordinator) Register(h *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Timeout == 0 {
		h.Timeout = c.defaultTimeout
	}

	c.handlers[h.Phase] = append(c.handlers[h.Phase], h)

	// Bubble the new handler up to its priority slot.
	handlers := c.handlers[h.Phase]
	for i := len(handlers) - 1; i > 0; i-- {
		if handlers[i].Priority > handlers[i-1].Priority {
			handlers[i], handlers[i-1] = handlers[i-1], handlers[i]
		}
	}

	c.logger.Debug("Registered shutdown handler",
		zap.String("name", h.Name),
		zap.String("phase", h.Phase.String()),
		zap.Int("priority", h.Priority))
}

// RegisterFunc registers a handler with default priority and timeout.
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn HandlerFunc) {
	c.Register(&Handler{
		Name:  name,
		Phase: phase,
		Fn:    fn,
	})
}

// Unregister removes a handler by name.
func (c *Coordinator) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for phase, handlers := range c.handlers {
		for i, h := range handlers {
			if h.Name == name {
				c.handlers[phase] = append(handlers[:i], handlers[i+1:]...)
				c.logger.Debug("Unregistered shutdown handler", zap.String("name", name))
				return
			}
		}
	}
}

// IsShuttingDown reports whether shutdown has started.
func (c *Coordinator) IsShuttingDown() bool {
	return c.isShuttingDown.Load()
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownDone
}

// Progress delivers per-handler outcomes while shutdown runs. The channel
// is closed when shutdown completes.
func (c *Coordinator) Progress() <-chan Progress {
	return c.progressCh
}

// Shutdown runs the full sequence. Safe to call from multiple goroutines;
// only the first call executes, later calls return the recorded result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.isShuttingDown.Store(true)
		c.shutdownErr = c.executeShutdown(ctx)
		close(c.shutdownDone)
		close(c.progressCh)
	})

	return c.shutdownErr
}

func (c *Coordinator) executeShutdown(ctx context.Context) error {
	c.logger.Info("Starting coordinated shutdown")
	startTime := time.Now()

	shutdownCtx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()

	var allErrors []error

	for _, phase := range phaseOrder {
		if err := c.executePhase(shutdownCtx, phase); err != nil {
			// A failed phase must not strand the rest of the teardown.
			allErrors = append(allErrors, fmt.Errorf("phase %s: %w", phase.String(), err))
		}

		if shutdownCtx.Err() != nil {
			c.logger.Warn("Shutdown timeout reached, aborting remaining phases",
				zap.Duration("elapsed", time.Since(startTime)))
			allErrors = append(allErrors, fmt.Errorf("shutdown timeout: %w", shutdownCtx.Err()))
			break
		}
	}

	duration := time.Since(startTime)
	if len(allErrors) > 0 {
		c.logger.Warn("Shutdown completed with errors",
			zap.Duration("duration", duration),
			zap.Int("error_count", len(allErrors)))
		return errors.Join(allErrors...)
	}

	c.logger.Info("Shutdown completed",
		zap.Duration("duration", duration))
	return nil
}

func (c *Coordinator) executePhase(ctx context.Context, phase Phase) error {
	c.mu.RLock()
	handlers := make([]*Handler, len(c.handlers[phase]))
	copy(handlers, c.handlers[phase])
	c.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	c.logger.Info("Executing shutdown phase",
		zap.String("phase", phase.String()),
		zap.Int("handler_count", len(handlers)))

	var phaseErrors []error

	for _, h := range handlers {
		if err := c.executeHandler(ctx, h); err != nil {
			phaseErrors = append(phaseErrors, fmt.Errorf("%s: %w", h.Name, err))
		}
	}

	if len(phaseErrors) > 0 {
		return errors.Join(phaseErrors...)
	}
	return nil
}

// executeHandler runs one handler under its own deadline. A handler that
// overruns is reported as failed but its goroutine is left to finish; the
// work it guards is assumed idempotent.
func (c *Coordinator) executeHandler(ctx context.Context, h *Handler) error {
	startTime := time.Now()

	handlerCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	c.logger.Debug("Executing shutdown handler",
		zap.String("name", h.Name),
		zap.String("phase", h.Phase.String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Fn(handlerCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-handlerCtx.Done():
		err = fmt.Errorf("handler timeout after %v", h.Timeout)
	}

	duration := time.Since(startTime)

	select {
	case c.progressCh <- Progress{
		Phase:     h.Phase,
		Handler:   h.Name,
		Completed: err == nil,
		Error:     err,
		Duration:  duration,
	}:
	default:
		// progress channel full, skip
	}

	if err != nil {
		c.logger.Warn("Shutdown handler failed",
			zap.String("name", h.Name),
			zap.Duration("duration", duration),
			zap.Error(err))
		return err
	}

	c.logger.Debug("Shutdown handler completed",
		zap.String("name", h.Name),
		zap.Duration("duration", duration))
	return nil
}

// SetTotalTimeout overrides the whole-sequence deadline.
func (c *Coordinator) SetTotalTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTimeout = d
}

// SetDefaultTimeout overrides the per-handler default deadline.
func (c *Coordinator) SetDefaultTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultTimeout = d
}

// HandlerCount returns the number of registered handlers.
func (c *Coordinator) HandlerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, handlers := range c.handlers {
		count += len(handlers)
	}
	return count
}

// PhaseHandlers returns the handler names registered for a phase, in
// execution order.
func (c *Coordinator) PhaseHandlers(phase Phase) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for _, h := range c.handlers[phase] {
		names = append(names, h.Name)
	}
	return names
}
