package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcguard/internal/rtcerr"
)

func TestDurationJSONRoundTrip(t *testing.T) {
	d := Duration(2500 * time.Millisecond)

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2.5s"`, string(data))

	var parsed Duration
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, d, parsed)
}

func TestDurationUnmarshalInvalid(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`"not-a-duration"`), &d)
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Reconnection.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Reconnection.ConnectTimeout.Duration())
	assert.Equal(t, 30*time.Second, cfg.Renewal.AdvanceWindow.Duration())
	assert.Equal(t, 5, cfg.Renewal.MaxRetryAttempts)
	assert.Equal(t, 3, cfg.Renewal.MaxConcurrent)
	assert.Equal(t, time.Hour, cfg.Renewal.TokenValidity.Duration())
	assert.Equal(t, 3, cfg.Failover.UnhealthyThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Failover.HealthStaleAfter.Duration())
	assert.Equal(t, 50, cfg.Failover.SwitchHistoryLimit)
	assert.True(t, cfg.Failover.PreserveSessionOnFallback)
}

func TestReconnectionConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ReconnectionConfig)
		wantErr bool
	}{
		{"defaults valid", func(_ *ReconnectionConfig) {}, false},
		{"zero attempts", func(c *ReconnectionConfig) { c.MaxAttempts = 0 }, true},
		{"zero base delay", func(c *ReconnectionConfig) { c.BaseDelay = 0 }, true},
		{"max below base", func(c *ReconnectionConfig) {
			c.BaseDelay = Duration(10 * time.Second)
			c.MaxDelay = Duration(time.Second)
		}, true},
		{"multiplier one", func(c *ReconnectionConfig) { c.BackoffMultiplier = 1.0 }, true},
		{"zero connect timeout", func(c *ReconnectionConfig) { c.ConnectTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultReconnectionConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, rtcerr.HasCode(err, rtcerr.CodeConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigValidateAggregatesProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []*ProviderConfig{
		{Name: "livekit"},
		{Name: "livekit"},
		{Name: ""},
	}
	cfg.FallbackChain = []string{"livekit", "livekit"}
	cfg.Reconnection.BackoffMultiplier = 0.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
	assert.Contains(t, err.Error(), "duplicate entry")
	assert.Contains(t, err.Error(), "backoff_multiplier")
}

func TestLoadFromFilePartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.json")

	// Only a few fields set; everything else should come from defaults.
	raw := `{
		"listen": "127.0.0.1:9999",
		"providers": [{"name": "agora"}, {"name": "livekit"}],
		"fallback_chain": ["agora", "livekit"],
		"reconnection": {
			"max_attempts": 3,
			"base_delay": "2s",
			"max_delay": "30s",
			"backoff_multiplier": 2.0,
			"connect_timeout": "10s",
			"auto_reconnect": true
		}
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(raw), 0o644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, 3, cfg.Reconnection.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnection.BaseDelay.Duration())
	assert.True(t, cfg.HasProvider("agora"))
	assert.False(t, cfg.HasProvider("zoom"))

	// Defaulted sections present.
	require.NotNil(t, cfg.Renewal)
	assert.Equal(t, 5, cfg.Renewal.MaxRetryAttempts)
	require.NotNil(t, cfg.Failover)
	assert.Equal(t, 3, cfg.Failover.UnhealthyThreshold)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadFromFileInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.json")

	raw := `{"reconnection": {"max_attempts": 0, "base_delay": "1s", "max_delay": "30s", "backoff_multiplier": 2.0, "connect_timeout": "10s"}}`
	require.NoError(t, os.WriteFile(configPath, []byte(raw), 0o644))

	_, err := LoadFromFile(configPath)
	require.Error(t, err)
	assert.True(t, rtcerr.HasCode(err, rtcerr.CodeConfiguration))
}

func TestProviderParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []*ProviderConfig{
		{Name: "agora", Params: map[string]string{"app_id": "abc"}},
	}

	params := cfg.ProviderParams("agora")
	require.NotNil(t, params)
	assert.Equal(t, "abc", params["app_id"])
	assert.Nil(t, cfg.ProviderParams("zoom"))
}
