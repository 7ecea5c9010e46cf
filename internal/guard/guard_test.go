package guard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rtcguard/internal/backend/backendtest"
	"rtcguard/internal/config"
	"rtcguard/internal/conn"
	"rtcguard/internal/failover"
	"rtcguard/internal/netmon"
)

func testGuardConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Listen = "" // no diagnostics server in these tests
	cfg.DataDir = t.TempDir()
	cfg.FallbackChain = []string{"livekit", "janus"}
	cfg.AppSession = &config.SessionConfig{Room: "ops", Identity: "guard-1"}
	cfg.Journal.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Network.ProbeEndpoints = nil // push-driven
	cfg.Reconnection = &config.ReconnectionConfig{
		MaxAttempts:       2,
		BaseDelay:         config.Duration(5 * time.Millisecond),
		MaxDelay:          config.Duration(20 * time.Millisecond),
		BackoffMultiplier: 2.0,
		ConnectTimeout:    config.Duration(time.Second),
		AutoReconnect:     true,
	}
	cfg.Renewal = &config.RenewalConfig{
		AdvanceWindow:    config.Duration(30 * time.Second),
		MaxRetryAttempts: 2,
		BaseDelay:        config.Duration(5 * time.Millisecond),
		MaxDelay:         config.Duration(10 * time.Millisecond),
		ScanInterval:     config.Duration(time.Hour),
		MaxConcurrent:    2,
		TokenValidity:    config.Duration(time.Hour),
	}
	return cfg
}

func newStartedGuard(t *testing.T, cfg *config.Config) *Guard {
	t.Helper()
	g, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, g.Close(ctx))
	})
	return g
}

func registerPair(t *testing.T, g *Guard) (lk, janus *backendtest.Fake) {
	t.Helper()
	lk = backendtest.New("livekit")
	janus = backendtest.New("janus")
	require.NoError(t, g.RegisterProvider("livekit", lk.Factory()))
	require.NoError(t, g.RegisterProvider("janus", janus.Factory()))
	return lk, janus
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testGuardConfig(t)
	cfg.Reconnection.BackoffMultiplier = 1.0

	_, err := New(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_multiplier")
}

func TestStartTwiceFails(t *testing.T) {
	g := newStartedGuard(t, testGuardConfig(t))
	err := g.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestConnectBringsUpFirstChainProvider(t *testing.T) {
	g := newStartedGuard(t, testGuardConfig(t))
	lk, janus := registerPair(t, g)

	require.NoError(t, g.Connect(context.Background()))

	assert.Equal(t, conn.StateConnected, g.State())
	assert.Equal(t, "livekit", g.CurrentProvider())
	assert.True(t, lk.Connected())
	assert.Equal(t, 1, lk.Calls("initialize"))
	assert.Equal(t, 0, janus.Calls("connect"))
}

func TestConnectWithoutProvidersFails(t *testing.T) {
	cfg := testGuardConfig(t)
	cfg.Reconnection.AutoReconnect = false
	g := newStartedGuard(t, cfg)

	err := g.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no healthy provider")
	assert.Equal(t, conn.StateFailed, g.State())
}

func TestConnectSkipsUnhealthyPrimary(t *testing.T) {
	g := newStartedGuard(t, testGuardConfig(t))
	_, janus := registerPair(t, g)

	for i := 0; i < 3; i++ {
		g.failover.NoteFailure("livekit", errors.New("probe timeout"))
	}

	require.NoError(t, g.Connect(context.Background()))
	assert.Equal(t, "janus", g.CurrentProvider())
	assert.True(t, janus.Connected())
}

func TestReconnectExhaustionFallsBack(t *testing.T) {
	g := newStartedGuard(t, testGuardConfig(t))
	lk, janus := registerPair(t, g)

	require.NoError(t, g.Connect(context.Background()))
	require.Equal(t, "livekit", g.CurrentProvider())

	dial := errors.New("dial refused")
	lk.FailConnect(dial, dial, dial)
	g.conn.UpdateState(conn.StateDisconnected, errors.New("peer dropped"))

	require.Eventually(t, func() bool {
		return g.CurrentProvider() == "janus" && g.State() == conn.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, janus.Connected())
	health := g.HealthSnapshot()
	assert.GreaterOrEqual(t, health["livekit"].ConsecutiveFailures, 1)
}

func TestRenewedCredentialPushedToLiveSession(t *testing.T) {
	g := newStartedGuard(t, testGuardConfig(t))
	lk, _ := registerPair(t, g)

	require.NoError(t, g.Connect(context.Background()))

	g.RegisterRenewalHandler("livekit", func(ctx context.Context) (string, error) {
		return "tok-2", nil
	})
	g.SetToken("livekit", "tok-1", time.Now().Add(time.Hour))

	info, err := g.RenewNow(context.Background(), "livekit")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", info.Token)

	require.Eventually(t, func() bool {
		for _, c := range lk.Credentials() {
			if c == "tok-2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRenewalFailureOnActiveProviderFallsBack(t *testing.T) {
	g := newStartedGuard(t, testGuardConfig(t))
	registerPair(t, g)

	require.NoError(t, g.Connect(context.Background()))
	require.Equal(t, "livekit", g.CurrentProvider())

	g.RegisterRenewalHandler("livekit", func(ctx context.Context) (string, error) {
		return "", errors.New("issuer rejected request")
	})
	g.SetToken("livekit", "tok-1", time.Now().Add(time.Hour))

	_, err := g.RenewNow(context.Background(), "livekit")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return g.CurrentProvider() == "janus"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSwitchTriggersRenewalForNewProvider(t *testing.T) {
	g := newStartedGuard(t, testGuardConfig(t))
	_, janus := registerPair(t, g)

	require.NoError(t, g.Connect(context.Background()))

	var renewed atomic.Int32
	g.RegisterRenewalHandler("janus", func(ctx context.Context) (string, error) {
		renewed.Add(1)
		return "janus-tok-2", nil
	})
	g.SetToken("janus", "janus-tok-1", time.Now().Add(time.Hour))

	require.NoError(t, g.SwitchProvider(context.Background(), "janus", failover.SwitchOptions{Reason: failover.ReasonManual}))

	require.Eventually(t, func() bool {
		if renewed.Load() == 0 {
			return false
		}
		for _, c := range janus.Credentials() {
			if c == "janus-tok-2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNetworkLossAndRecoveryReconnects(t *testing.T) {
	cfg := testGuardConfig(t)
	cfg.FallbackChain = []string{"livekit"}
	g := newStartedGuard(t, cfg)

	lk := backendtest.New("livekit")
	require.NoError(t, g.RegisterProvider("livekit", lk.Factory()))
	require.NoError(t, g.Connect(context.Background()))

	// Losing the network forces a disconnect but starts no episode; the
	// retry budget is saved for when connecting can actually work.
	g.SetNetworkStatus(netmon.StatusUnavailable)
	require.Eventually(t, func() bool {
		return g.State() == conn.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	g.SetNetworkStatus(netmon.StatusWifi)
	require.Eventually(t, func() bool {
		return g.State() == conn.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSuspendSilencesAutoReconnect(t *testing.T) {
	g := newStartedGuard(t, testGuardConfig(t))
	lk, _ := registerPair(t, g)

	require.NoError(t, g.Connect(context.Background()))
	require.NoError(t, g.Suspend(context.Background()))

	assert.Equal(t, conn.StateSuspended, g.State())
	assert.False(t, lk.Connected())

	// Network flapping while suspended must not resurrect the session.
	g.SetNetworkStatus(netmon.StatusUnavailable)
	g.SetNetworkStatus(netmon.StatusWifi)
	time.Sleep(75 * time.Millisecond)
	assert.Equal(t, conn.StateSuspended, g.State())
	assert.False(t, lk.Connected())

	require.NoError(t, g.Resume(context.Background()))
	assert.Equal(t, conn.StateConnected, g.State())
	assert.True(t, lk.Connected())
}

func TestUnhealthyProviderWritesFailureLog(t *testing.T) {
	cfg := testGuardConfig(t)
	g := newStartedGuard(t, cfg)
	registerPair(t, g)

	for i := 0; i < 3; i++ {
		g.failover.NoteFailure("livekit", errors.New("probe timeout"))
	}

	logPath := filepath.Join(cfg.DataDir, "failed_providers.log")
	require.Eventually(t, func() bool {
		_, err := os.Stat(logPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "livekit")
	assert.Contains(t, string(data), "probe timeout")
}

func TestJournalCapturesActivity(t *testing.T) {
	cfg := testGuardConfig(t)
	cfg.Journal.Enabled = true
	g := newStartedGuard(t, cfg)
	registerPair(t, g)
	require.NotNil(t, g.journal)

	g.RegisterRenewalHandler("janus", func(ctx context.Context) (string, error) {
		return "janus-tok-2", nil
	})
	g.SetToken("janus", "janus-tok-1", time.Now().Add(time.Hour))

	require.NoError(t, g.Connect(context.Background()))
	require.NoError(t, g.SwitchProvider(context.Background(), "janus", failover.SwitchOptions{Reason: failover.ReasonManual}))

	require.Eventually(t, func() bool {
		events, switches, err := g.journal.Counts()
		return err == nil && events > 0 && switches == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The post-switch renewal lands in the stats bucket.
	require.Eventually(t, func() bool {
		stats, err := g.journal.RenewalStats()
		return err == nil && stats["janus"].Successes >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuditLogCapturesOperations(t *testing.T) {
	cfg := testGuardConfig(t)
	logDir := t.TempDir()
	cfg.Logging = &config.LogConfig{
		Level:  "info",
		LogDir: logDir,
		Audit: &config.AuditLogConfig{
			Enabled:         true,
			IncludeDetails:  true,
			FilterSensitive: true,
		},
	}
	g := newStartedGuard(t, cfg)
	registerPair(t, g)

	g.RegisterRenewalHandler("livekit", func(ctx context.Context) (string, error) {
		return "tok-2", nil
	})
	g.SetToken("livekit", "tok-1", time.Now().Add(time.Hour))

	require.NoError(t, g.Connect(context.Background()))
	_, err := g.RenewNow(context.Background(), "livekit")
	require.NoError(t, err)

	auditPath := filepath.Join(logDir, "audit.log")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(auditPath)
		if err != nil {
			return false
		}
		return strings.Contains(string(data), `"kind":"switch"`) &&
			strings.Contains(string(data), `"kind":"renewal"`)
	}, 2*time.Second, 25*time.Millisecond)

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, `"provider":"livekit"`)
	assert.Contains(t, content, `"success":true`)
	// Credential material never reaches the audit file.
	assert.NotContains(t, content, "tok-1")
	assert.NotContains(t, content, "tok-2")
}

func scrapeMetrics(t *testing.T, g *Guard) string {
	t.Helper()
	rec := httptest.NewRecorder()
	g.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsCaptureActivity(t *testing.T) {
	cfg := testGuardConfig(t)
	cfg.Metrics.Enabled = true
	g := newStartedGuard(t, cfg)
	registerPair(t, g)

	g.SetToken("livekit", "tok-1", time.Now().Add(time.Hour))
	require.NoError(t, g.Connect(context.Background()))

	require.Eventually(t, func() bool {
		body := scrapeMetrics(t, g)
		return strings.Contains(body, `rtcguard_connection_state{state="connected"} 1`) &&
			strings.Contains(body, `rtcguard_provider_switches_total{from="none",outcome="success",to="livekit"} 1`)
	}, 2*time.Second, 25*time.Millisecond)

	body := scrapeMetrics(t, g)
	assert.Contains(t, body, `rtcguard_provider_healthy{provider="livekit"} 1`)
	assert.Contains(t, body, `rtcguard_tokens_tracked 1`)
}

func TestCloseIsIdempotent(t *testing.T) {
	g, err := New(testGuardConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Close(ctx))
	require.NoError(t, g.Close(ctx))

	err = g.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestCloseWithoutStart(t *testing.T) {
	g, err := New(testGuardConfig(t), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Close(ctx))
}
