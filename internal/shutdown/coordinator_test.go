package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewCoordinator(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	if c == nil {
		t.Fatal("NewCoordinator returned nil")
	}

	if c.HandlerCount() != 0 {
		t.Errorf("Expected 0 handlers, got %d", c.HandlerCount())
	}

	if c.IsShuttingDown() {
		t.Error("Expected IsShuttingDown to be false initially")
	}
}

func TestRegisterHandler(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	c.RegisterFunc("diag-server", PhaseDiag, func(ctx context.Context) error {
		return nil
	})

	if c.HandlerCount() != 1 {
		t.Errorf("Expected 1 handler, got %d", c.HandlerCount())
	}

	handlers := c.PhaseHandlers(PhaseDiag)
	if len(handlers) != 1 || handlers[0] != "diag-server" {
		t.Errorf("Expected diag-server, got %v", handlers)
	}
}

func TestRegisterOrdersByPriority(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	c.Register(&Handler{
		Name:     "low-priority",
		Phase:    PhaseScanners,
		Priority: 1,
		Fn:       func(ctx context.Context) error { return nil },
	})

	c.Register(&Handler{
		Name:     "high-priority",
		Phase:    PhaseScanners,
		Priority: 10,
		Fn:       func(ctx context.Context) error { return nil },
	})

	handlers := c.PhaseHandlers(PhaseScanners)
	if len(handlers) != 2 {
		t.Fatalf("Expected 2 handlers, got %d", len(handlers))
	}

	if handlers[0] != "high-priority" {
		t.Errorf("Expected high-priority first, got %s", handlers[0])
	}
}

func TestUnregisterHandler(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	c.RegisterFunc("diag-server", PhaseDiag, func(ctx context.Context) error {
		return nil
	})

	c.Unregister("diag-server")

	if c.HandlerCount() != 0 {
		t.Errorf("Expected 0 handlers after unregister, got %d", c.HandlerCount())
	}
}

func TestShutdownExecutesHandlers(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var executed atomic.Int32

	c.RegisterFunc("diag", PhaseDiag, func(ctx context.Context) error {
		executed.Add(1)
		return nil
	})

	c.RegisterFunc("scanners", PhaseScanners, func(ctx context.Context) error {
		executed.Add(1)
		return nil
	})

	c.RegisterFunc("journal", PhaseJournal, func(ctx context.Context) error {
		executed.Add(1)
		return nil
	})

	err := c.Shutdown(context.Background())
	if err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}

	if executed.Load() != 3 {
		t.Errorf("Expected 3 handlers executed, got %d", executed.Load())
	}

	if !c.IsShuttingDown() {
		t.Error("Expected IsShuttingDown to be true after shutdown")
	}
}

func TestShutdownPhasesInOrder(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	// Handlers run one at a time with a channel sync between them, so a
	// plain slice is safe here.
	var order []Phase

	for _, phase := range []Phase{PhaseDiag, PhaseScanners, PhaseBackends, PhaseJournal, PhaseCleanup} {
		p := phase
		c.RegisterFunc(p.String(), p, func(ctx context.Context) error {
			order = append(order, p)
			return nil
		})
	}

	_ = c.Shutdown(context.Background())

	expected := []Phase{PhaseDiag, PhaseScanners, PhaseBackends, PhaseJournal, PhaseCleanup}
	if len(order) != len(expected) {
		t.Fatalf("Expected %d phases, got %d", len(expected), len(order))
	}

	for i, p := range expected {
		if order[i] != p {
			t.Errorf("Phase %d: expected %s, got %s", i, p.String(), order[i].String())
		}
	}
}

func TestShutdownCollectsHandlerErrors(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	expectedErr := errors.New("handler error")

	c.RegisterFunc("failing-handler", PhaseDiag, func(ctx context.Context) error {
		return expectedErr
	})

	c.RegisterFunc("success-handler", PhaseScanners, func(ctx context.Context) error {
		return nil
	})

	err := c.Shutdown(context.Background())
	if err == nil {
		t.Error("Expected error from shutdown")
	}

	if !errors.Is(err, expectedErr) {
		t.Errorf("Expected error to contain %v, got %v", expectedErr, err)
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.SetTotalTimeout(100 * time.Millisecond)

	c.RegisterFunc("slow-handler", PhaseDiag, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	err := c.Shutdown(context.Background())
	duration := time.Since(start)

	if err == nil {
		t.Error("Expected timeout error")
	}

	if duration > 500*time.Millisecond {
		t.Errorf("Shutdown took too long: %v", duration)
	}
}

func TestShutdownOnlyOnce(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var count atomic.Int32

	c.RegisterFunc("counter", PhaseDiag, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})

	_ = c.Shutdown(context.Background())
	_ = c.Shutdown(context.Background())
	_ = c.Shutdown(context.Background())

	if count.Load() != 1 {
		t.Errorf("Expected handler to run once, ran %d times", count.Load())
	}
}

func TestProgressChannel(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	c.RegisterFunc("progress-handler", PhaseDiag, func(ctx context.Context) error {
		return nil
	})

	progressCh := c.Progress()

	go func() {
		_ = c.Shutdown(context.Background())
	}()

	select {
	case progress := <-progressCh:
		if progress.Handler != "progress-handler" {
			t.Errorf("Expected progress-handler, got %s", progress.Handler)
		}
		if !progress.Completed {
			t.Error("Expected progress.Completed to be true")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for progress update")
	}
}

func TestDoneChannel(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	c.RegisterFunc("handler", PhaseDiag, func(ctx context.Context) error {
		return nil
	})

	go func() {
		_ = c.Shutdown(context.Background())
	}()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Error("Timeout waiting for done channel")
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase    Phase
		expected string
	}{
		{PhaseDiag, "Diagnostics"},
		{PhaseScanners, "Scanners"},
		{PhaseBackends, "Backends"},
		{PhaseJournal, "Journal"},
		{PhaseCleanup, "Cleanup"},
		{Phase(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.expected {
			t.Errorf("Phase(%d).String() = %s, want %s", tt.phase, got, tt.expected)
		}
	}
}
