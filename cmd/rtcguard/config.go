package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rtcguard/internal/config"
)

const configFileName = "rtcguard.json"

// loadConfig resolves the effective configuration with the usual layering:
// flags override RTCGUARD_* environment variables, which override the config
// file, which overrides built-in defaults. The returned path names the file
// that was actually read; it is empty when no config file exists.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, string, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RTCGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"listen":              "listen",
		"data_dir":            "data-dir",
		"logging.level":       "log-level",
		"logging.enable_file": "log-to-file",
	} {
		f := cmd.Flag(flag)
		if f == nil {
			return nil, "", fmt.Errorf("flag --%s is not defined", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, "", fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}

	explicit := opts.configFile != ""
	path := opts.configFile
	if !explicit {
		var err error
		// The config file location cannot come from the config file, so
		// only the flag/env data_dir participates here.
		if path, err = defaultConfigPath(v.GetString("data_dir")); err != nil {
			return nil, "", err
		}
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		path = ""
	}

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, "", fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	// Provider credentials can live in a .env next to the config instead of
	// the config file itself.
	if err := config.ApplyDotEnvToProviders(cfg, cfg.DataDir); err != nil {
		return nil, "", fmt.Errorf("failed to load .env: %w", err)
	}

	return cfg, path, nil
}

func defaultConfigPath(dataDir string) (string, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".rtcguard")
	}
	return filepath.Join(dataDir, configFileName), nil
}

// decodeHooks extends viper's stock hooks so duration fields accept the
// "250ms" form the config file uses.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func stringToDurationHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(config.Duration(0)) {
			return data, nil
		}
		d, err := time.ParseDuration(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", data, err)
		}
		return config.Duration(d), nil
	}
}

// setDefaults seeds viper with the same values DefaultConfig carries, which
// also makes every key reachable through the environment layer.
func setDefaults(v *viper.Viper) {
	def := config.DefaultConfig()

	v.SetDefault("listen", def.Listen)
	v.SetDefault("fallback_chain", []string{})
	v.SetDefault("app_session.room", "")
	v.SetDefault("app_session.identity", "")

	v.SetDefault("reconnection.max_attempts", def.Reconnection.MaxAttempts)
	v.SetDefault("reconnection.base_delay", def.Reconnection.BaseDelay.Duration().String())
	v.SetDefault("reconnection.max_delay", def.Reconnection.MaxDelay.Duration().String())
	v.SetDefault("reconnection.backoff_multiplier", def.Reconnection.BackoffMultiplier)
	v.SetDefault("reconnection.connect_timeout", def.Reconnection.ConnectTimeout.Duration().String())
	v.SetDefault("reconnection.auto_reconnect", def.Reconnection.AutoReconnect)

	v.SetDefault("renewal.advance_window", def.Renewal.AdvanceWindow.Duration().String())
	v.SetDefault("renewal.max_retry_attempts", def.Renewal.MaxRetryAttempts)
	v.SetDefault("renewal.base_delay", def.Renewal.BaseDelay.Duration().String())
	v.SetDefault("renewal.max_delay", def.Renewal.MaxDelay.Duration().String())
	v.SetDefault("renewal.scan_interval", def.Renewal.ScanInterval.Duration().String())
	v.SetDefault("renewal.max_concurrent", def.Renewal.MaxConcurrent)
	v.SetDefault("renewal.token_validity", def.Renewal.TokenValidity.Duration().String())

	v.SetDefault("failover.unhealthy_threshold", def.Failover.UnhealthyThreshold)
	v.SetDefault("failover.health_stale_after", def.Failover.HealthStaleAfter.Duration().String())
	v.SetDefault("failover.switch_history_limit", def.Failover.SwitchHistoryLimit)
	v.SetDefault("failover.switch_timeout", def.Failover.SwitchTimeout.Duration().String())
	v.SetDefault("failover.preserve_session_on_fallback", def.Failover.PreserveSessionOnFallback)

	v.SetDefault("network.probe_interval", def.Network.ProbeInterval.Duration().String())
	v.SetDefault("network.probe_timeout", def.Network.ProbeTimeout.Duration().String())
	v.SetDefault("network.probe_endpoints", def.Network.ProbeEndpoints)
	v.SetDefault("network.available_status", def.Network.AvailableStatus)

	v.SetDefault("journal.enabled", def.Journal.Enabled)
	v.SetDefault("journal.max_entries", def.Journal.MaxEntries)

	v.SetDefault("metrics.enabled", def.Metrics.Enabled)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.enable_file", def.Logging.EnableFile)
	v.SetDefault("logging.enable_console", def.Logging.EnableConsole)
	v.SetDefault("logging.filename", def.Logging.Filename)
	v.SetDefault("logging.max_size", def.Logging.MaxSize)
	v.SetDefault("logging.max_backups", def.Logging.MaxBackups)
	v.SetDefault("logging.max_age", def.Logging.MaxAge)
	v.SetDefault("logging.compress", def.Logging.Compress)
	v.SetDefault("logging.json_format", def.Logging.JSONFormat)

	auditDef := config.DefaultAuditLogConfig()
	v.SetDefault("logging.audit.enabled", auditDef.Enabled)
	v.SetDefault("logging.audit.filename", auditDef.Filename)
	v.SetDefault("logging.audit.include_details", auditDef.IncludeDetails)
	v.SetDefault("logging.audit.filter_sensitive", auditDef.FilterSensitive)
	v.SetDefault("logging.audit.max_detail_size", auditDef.MaxDetailSize)
}
