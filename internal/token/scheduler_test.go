package token

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtcguard/internal/config"
	"rtcguard/internal/events"
	"rtcguard/internal/rtcerr"
)

func testRenewalConfig() config.RenewalConfig {
	return config.RenewalConfig{
		AdvanceWindow:    config.Duration(20 * time.Millisecond),
		MaxRetryAttempts: 3,
		BaseDelay:        config.Duration(5 * time.Millisecond),
		MaxDelay:         config.Duration(40 * time.Millisecond),
		ScanInterval:     config.Duration(10 * time.Millisecond),
		MaxConcurrent:    2,
		TokenValidity:    config.Duration(time.Hour),
	}
}

func newTestScheduler(t *testing.T, cfg config.RenewalConfig) (*Scheduler, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	s := New(cfg, bus, zap.NewNop())
	t.Cleanup(func() {
		s.Close()
		bus.Close()
	})
	return s, bus
}

func TestInfoExpiryHelpers(t *testing.T) {
	live := Info{ExpiresAt: time.Now().Add(time.Minute)}
	assert.False(t, live.Expired())
	assert.True(t, live.ExpiresWithin(2*time.Minute))
	assert.False(t, live.ExpiresWithin(time.Second))
	assert.Greater(t, live.TimeUntilExpiration(), 50*time.Second)

	dead := Info{ExpiresAt: time.Now().Add(-time.Second)}
	assert.True(t, dead.Expired())
	assert.True(t, dead.ExpiresWithin(0))
	assert.Negative(t, dead.TimeUntilExpiration())
}

func TestRenewalStateString(t *testing.T) {
	tests := []struct {
		state RenewalState
		want  string
	}{
		{RenewalIdle, "idle"},
		{RenewalPending, "pending"},
		{RenewalInProgress, "in_progress"},
		{RenewalCompleted, "completed"},
		{RenewalFailed, "failed"},
		{RenewalState(42), "idle"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}

	data, err := json.Marshal(RenewalFailed)
	require.NoError(t, err)
	assert.Equal(t, `"failed"`, string(data))
}

func TestSetTokenAndLookups(t *testing.T) {
	s, _ := newTestScheduler(t, testRenewalConfig())

	_, ok := s.Token("video")
	assert.False(t, ok)
	assert.False(t, s.IsValid("video"))

	expires := time.Now().Add(time.Hour)
	s.SetToken("video", "tok-1", expires)

	info, ok := s.Token("video")
	require.True(t, ok)
	assert.Equal(t, "tok-1", info.Token)
	assert.Equal(t, "video", info.Backend)
	assert.Equal(t, expires, info.ExpiresAt)
	assert.True(t, s.IsValid("video"))
	assert.Equal(t, RenewalIdle, s.State("video"))

	s.SetToken("video", "tok-expired", time.Now().Add(-time.Minute))
	assert.False(t, s.IsValid("video"))
}

func TestRenewSuccess(t *testing.T) {
	s, bus := newTestScheduler(t, testRenewalConfig())
	ch := bus.Subscribe(events.TokenRenewed)

	var calls atomic.Int32
	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "tok-fresh", nil
	})
	s.SetToken("video", "tok-old", time.Now().Add(time.Hour))

	info, err := s.Renew(context.Background(), "video")
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", info.Token)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, RenewalCompleted, s.State("video"))

	stored, ok := s.Token("video")
	require.True(t, ok)
	assert.Equal(t, "tok-fresh", stored.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), stored.ExpiresAt, time.Minute)

	st := s.Stats("video")
	assert.Equal(t, int64(1), st.Attempts)
	assert.Equal(t, int64(1), st.Successes)
	assert.Equal(t, int64(0), st.Retries)
	assert.False(t, st.LastSuccess.IsZero())

	select {
	case ev := <-ch:
		assert.Equal(t, "video", ev.Backend)
	case <-time.After(time.Second):
		t.Fatal("missing token.renewed event")
	}
}

func TestRenewRetriesThenSucceeds(t *testing.T) {
	s, _ := newTestScheduler(t, testRenewalConfig())

	var calls atomic.Int32
	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient upstream error")
		}
		return "tok-fresh", nil
	})

	info, err := s.Renew(context.Background(), "video")
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", info.Token)
	assert.Equal(t, int32(3), calls.Load())

	st := s.Stats("video")
	assert.Equal(t, int64(1), st.Attempts)
	assert.Equal(t, int64(1), st.Successes)
	assert.Equal(t, int64(2), st.Retries)
}

func TestRenewExhaustsRetries(t *testing.T) {
	s, bus := newTestScheduler(t, testRenewalConfig())
	ch := bus.Subscribe(events.TokenRenewalFailed)

	var calls atomic.Int32
	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("auth service down")
	})
	s.SetToken("video", "tok-old", time.Now().Add(time.Hour))

	info, err := s.Renew(context.Background(), "video")
	require.Error(t, err)
	assert.True(t, rtcerr.HasCode(err, rtcerr.CodeTokenRenewalFailed))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, RenewalFailed, s.State("video"))

	// The previous credential is returned untouched.
	assert.Equal(t, "tok-old", info.Token)
	stored, ok := s.Token("video")
	require.True(t, ok)
	assert.Equal(t, "tok-old", stored.Token)

	st := s.Stats("video")
	assert.Equal(t, int64(1), st.Attempts)
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, int64(2), st.Retries)
	assert.Contains(t, st.LastFailureReason, "auth service down")

	select {
	case ev := <-ch:
		assert.Equal(t, "video", ev.Backend)
	case <-time.After(time.Second):
		t.Fatal("missing token.renewal_failed event")
	}
}

func TestRenewStopsOnNonRecoverableError(t *testing.T) {
	s, _ := newTestScheduler(t, testRenewalConfig())

	var calls atomic.Int32
	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", rtcerr.Configuration("api key revoked")
	})

	_, err := s.Renew(context.Background(), "video")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "non-recoverable errors must not be retried")
}

func TestRenewWhileInProgressIsNoOp(t *testing.T) {
	s, _ := newTestScheduler(t, testRenewalConfig())

	release := make(chan struct{})
	var calls atomic.Int32
	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "tok-fresh", nil
	})
	s.SetToken("video", "tok-old", time.Now().Add(time.Hour))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Renew(context.Background(), "video")
	}()

	require.Eventually(t, func() bool {
		return s.State("video") == RenewalInProgress
	}, time.Second, time.Millisecond)

	info, err := s.Renew(context.Background(), "video")
	require.NoError(t, err)
	assert.Equal(t, "tok-old", info.Token, "concurrent renew returns the current credential")
	assert.Equal(t, int32(1), calls.Load(), "handler must not run twice")

	close(release)
	<-done
	assert.Equal(t, RenewalCompleted, s.State("video"))
}

func TestRenewWithoutHandler(t *testing.T) {
	s, _ := newTestScheduler(t, testRenewalConfig())

	_, err := s.Renew(context.Background(), "video")
	require.Error(t, err)
	assert.True(t, rtcerr.HasCode(err, rtcerr.CodeConfiguration))
}

func TestRenewHonorsContextCancellation(t *testing.T) {
	s, _ := newTestScheduler(t, testRenewalConfig())

	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		return "", errors.New("still failing")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Renew(ctx, "video")
	require.Error(t, err)
	assert.True(t, rtcerr.HasCode(err, rtcerr.CodeTokenRenewalFailed))
}

func TestMonitorFiresExpirationPath(t *testing.T) {
	s, bus := newTestScheduler(t, testRenewalConfig())
	expiring := bus.Subscribe(events.TokenExpiring)
	renewed := bus.Subscribe(events.TokenRenewed)

	var warned atomic.Bool
	s.RegisterExpirationHandler("video", func(remaining time.Duration) {
		warned.Store(true)
	})
	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		return "tok-fresh", nil
	})

	// Expires in 30ms; advance window 20ms, so the monitor fires at ~10ms.
	s.SetToken("video", "tok-old", time.Now().Add(30*time.Millisecond))

	select {
	case ev := <-expiring:
		assert.Equal(t, "video", ev.Backend)
	case <-time.After(time.Second):
		t.Fatal("missing token.expiring event")
	}
	select {
	case <-renewed:
	case <-time.After(time.Second):
		t.Fatal("monitor did not trigger renewal")
	}

	require.Eventually(t, func() bool { return warned.Load() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		info, ok := s.Token("video")
		return ok && info.Token == "tok-fresh"
	}, time.Second, time.Millisecond)
}

func TestSetTokenReplacesMonitor(t *testing.T) {
	s, bus := newTestScheduler(t, testRenewalConfig())
	expiring := bus.Subscribe(events.TokenExpiring)

	// First token would enter its window almost immediately, but it is
	// replaced by one far from expiry before the monitor can fire.
	s.SetToken("video", "tok-1", time.Now().Add(25*time.Millisecond))
	s.SetToken("video", "tok-2", time.Now().Add(time.Hour))

	select {
	case ev := <-expiring:
		t.Fatalf("stale monitor fired: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoveCancelsMonitoring(t *testing.T) {
	s, bus := newTestScheduler(t, testRenewalConfig())
	expiring := bus.Subscribe(events.TokenExpiring)

	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		return "tok-fresh", nil
	})
	s.SetToken("video", "tok-1", time.Now().Add(25*time.Millisecond))
	s.Remove("video")

	_, ok := s.Token("video")
	assert.False(t, ok)
	assert.Equal(t, RenewalIdle, s.State("video"))

	select {
	case ev := <-expiring:
		t.Fatalf("removed backend's monitor fired: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStatsSurviveRemoveUntilCleared(t *testing.T) {
	s, _ := newTestScheduler(t, testRenewalConfig())

	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		return "tok-fresh", nil
	})
	_, err := s.Renew(context.Background(), "video")
	require.NoError(t, err)

	s.Remove("video")
	assert.Equal(t, int64(1), s.Stats("video").Successes)

	s.ClearStats("video")
	assert.Equal(t, Stats{}, s.Stats("video"))
}

func TestScannerRenewsDueTokens(t *testing.T) {
	s, bus := newTestScheduler(t, testRenewalConfig())
	renewed := bus.Subscribe(events.TokenRenewed)

	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		return "tok-fresh", nil
	})
	// Inside the advance window, installed without a monitor so only the
	// scanner can pick it up.
	s.mu.Lock()
	s.tokens["video"] = Info{
		Token:     "tok-old",
		Backend:   "video",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(15 * time.Millisecond),
	}
	s.mu.Unlock()

	s.Start(context.Background())

	select {
	case ev := <-renewed:
		assert.Equal(t, "video", ev.Backend)
	case <-time.After(time.Second):
		t.Fatal("scanner did not renew a due token")
	}
}

func TestScannerSkipsTokensWithoutHandlers(t *testing.T) {
	cfg := testRenewalConfig()
	s, bus := newTestScheduler(t, cfg)
	failed := bus.Subscribe(events.TokenRenewalFailed)

	s.SetToken("video", "tok-old", time.Now().Add(5*time.Millisecond))
	s.Start(context.Background())

	select {
	case ev := <-failed:
		t.Fatalf("scanner attempted renewal without a handler: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, RenewalIdle, s.State("video"))
}

func TestScannerBoundsConcurrency(t *testing.T) {
	cfg := testRenewalConfig()
	cfg.MaxConcurrent = 2
	s, _ := newTestScheduler(t, cfg)

	var inFlight, peak atomic.Int32
	release := make(chan struct{})

	backends := []string{"a", "b", "c", "d", "e"}
	for _, b := range backends {
		b := b
		s.RegisterRenewalHandler(b, func(ctx context.Context) (string, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return "tok-" + b, nil
		})
	}

	// Install the tokens without monitors so only the scanner path runs;
	// monitor-triggered renewals are direct and not semaphore-bounded.
	s.mu.Lock()
	for _, b := range backends {
		s.tokens[b] = Info{
			Token:     "tok-old",
			Backend:   b,
			IssuedAt:  time.Now(),
			ExpiresAt: time.Now().Add(5 * time.Millisecond),
		}
	}
	s.mu.Unlock()

	s.Start(context.Background())

	require.Eventually(t, func() bool {
		return inFlight.Load() == 2
	}, time.Second, time.Millisecond, "semaphore should admit exactly MaxConcurrent renewals")

	// Give the scanner a few more ticks to (incorrectly) over-admit.
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	close(release)
	require.Eventually(t, func() bool {
		for _, b := range backends {
			if info, ok := s.Token(b); !ok || info.Token != "tok-"+b {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "all backends should eventually renew")
}

func TestJitteredDelayBounds(t *testing.T) {
	cfg := config.RenewalConfig{
		BaseDelay: config.Duration(time.Second),
		MaxDelay:  config.Duration(30 * time.Second),
	}

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, want := range expected {
		failures := i + 1
		for trial := 0; trial < 100; trial++ {
			d := jitteredDelay(cfg, failures)
			lo := time.Duration(float64(want) * 0.5)
			assert.GreaterOrEqual(t, d, lo, "failures=%d", failures)
			assert.Less(t, d, want, "failures=%d", failures)
		}
	}
}

func TestCloseStopsEverything(t *testing.T) {
	s, bus := newTestScheduler(t, testRenewalConfig())
	expiring := bus.Subscribe(events.TokenExpiring)

	s.RegisterRenewalHandler("video", func(ctx context.Context) (string, error) {
		return "tok-fresh", nil
	})
	s.SetToken("video", "tok-1", time.Now().Add(25*time.Millisecond))
	s.Start(context.Background())

	s.Close()
	s.Close() // idempotent

	select {
	case ev := <-expiring:
		t.Fatalf("monitor fired after Close: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	_, err := s.Renew(context.Background(), "video")
	require.Error(t, err)
}
