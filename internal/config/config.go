package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rtcguard/internal/rtcerr"
)

const (
	defaultListen  = "127.0.0.1:8790"
	defaultDirName = ".rtcguard"
)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
type Duration time.Duration

// MarshalJSON implements json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the main configuration structure
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Providers available to the failover orchestrator, in no particular order
	Providers []*ProviderConfig `json:"providers" mapstructure:"providers"`

	// FallbackChain lists provider names in priority order
	FallbackChain []string `json:"fallback_chain" mapstructure:"fallback_chain"`

	// AppSession holds the application-level session parameters handed to a
	// backend at initialization
	AppSession *SessionConfig `json:"app_session,omitempty" mapstructure:"app_session"`

	Reconnection *ReconnectionConfig `json:"reconnection,omitempty" mapstructure:"reconnection"`
	Renewal      *RenewalConfig      `json:"renewal,omitempty" mapstructure:"renewal"`
	Failover     *FailoverConfig     `json:"failover,omitempty" mapstructure:"failover"`
	Network      *NetworkConfig      `json:"network,omitempty" mapstructure:"network"`
	Journal      *JournalConfig      `json:"journal,omitempty" mapstructure:"journal"`
	Metrics      *MetricsConfig      `json:"metrics,omitempty" mapstructure:"metrics"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// ProviderConfig describes one registered RTC provider
type ProviderConfig struct {
	Name   string            `json:"name" mapstructure:"name"`
	Params map[string]string `json:"params,omitempty" mapstructure:"params"`
}

// SessionConfig carries the opaque application session parameters
type SessionConfig struct {
	Room     string            `json:"room,omitempty" mapstructure:"room"`
	Identity string            `json:"identity,omitempty" mapstructure:"identity"`
	Params   map[string]string `json:"params,omitempty" mapstructure:"params"`
}

// ReconnectionConfig tunes the connection lifecycle manager
type ReconnectionConfig struct {
	MaxAttempts       int      `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay         Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay          Duration `json:"max_delay" mapstructure:"max_delay"`
	BackoffMultiplier float64  `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	ConnectTimeout    Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	AutoReconnect     bool     `json:"auto_reconnect" mapstructure:"auto_reconnect"`
}

// DefaultReconnectionConfig returns reconnection defaults
func DefaultReconnectionConfig() *ReconnectionConfig {
	return &ReconnectionConfig{
		MaxAttempts:       10,
		BaseDelay:         Duration(1 * time.Second),
		MaxDelay:          Duration(30 * time.Second),
		BackoffMultiplier: 2.0,
		ConnectTimeout:    Duration(DefaultConnectTimeout),
		AutoReconnect:     true,
	}
}

// Validate checks reconnection parameters
func (c *ReconnectionConfig) Validate() error {
	var problems []string
	if c.MaxAttempts < 1 {
		problems = append(problems, "reconnection.max_attempts must be >= 1")
	}
	if c.BaseDelay <= 0 {
		problems = append(problems, "reconnection.base_delay must be > 0")
	}
	if c.MaxDelay < c.BaseDelay {
		problems = append(problems, "reconnection.max_delay must be >= base_delay")
	}
	if c.BackoffMultiplier <= 1 {
		problems = append(problems, "reconnection.backoff_multiplier must be > 1")
	}
	if c.ConnectTimeout <= 0 {
		problems = append(problems, "reconnection.connect_timeout must be > 0")
	}
	if len(problems) > 0 {
		return rtcerr.Configuration(strings.Join(problems, "; "))
	}
	return nil
}

// RenewalConfig tunes the credential renewal scheduler
type RenewalConfig struct {
	AdvanceWindow    Duration `json:"advance_window" mapstructure:"advance_window"`
	MaxRetryAttempts int      `json:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	BaseDelay        Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay         Duration `json:"max_delay" mapstructure:"max_delay"`
	ScanInterval     Duration `json:"scan_interval" mapstructure:"scan_interval"`
	MaxConcurrent    int      `json:"max_concurrent" mapstructure:"max_concurrent"`
	TokenValidity    Duration `json:"token_validity" mapstructure:"token_validity"`
}

// DefaultRenewalConfig returns renewal defaults
func DefaultRenewalConfig() *RenewalConfig {
	return &RenewalConfig{
		AdvanceWindow:    Duration(DefaultRenewalAdvanceWindow),
		MaxRetryAttempts: 5,
		BaseDelay:        Duration(1 * time.Second),
		MaxDelay:         Duration(30 * time.Second),
		ScanInterval:     Duration(DefaultRenewalScanInterval),
		MaxConcurrent:    DefaultMaxConcurrentRenewals,
		TokenValidity:    Duration(1 * time.Hour),
	}
}

// Validate checks renewal parameters
func (c *RenewalConfig) Validate() error {
	var problems []string
	if c.AdvanceWindow < 0 {
		problems = append(problems, "renewal.advance_window must be >= 0")
	}
	if c.MaxRetryAttempts < 1 {
		problems = append(problems, "renewal.max_retry_attempts must be >= 1")
	}
	if c.BaseDelay <= 0 {
		problems = append(problems, "renewal.base_delay must be > 0")
	}
	if c.MaxDelay < c.BaseDelay {
		problems = append(problems, "renewal.max_delay must be >= base_delay")
	}
	if c.ScanInterval <= 0 {
		problems = append(problems, "renewal.scan_interval must be > 0")
	}
	if c.MaxConcurrent < 1 {
		problems = append(problems, "renewal.max_concurrent must be >= 1")
	}
	if c.TokenValidity <= 0 {
		problems = append(problems, "renewal.token_validity must be > 0")
	}
	if len(problems) > 0 {
		return rtcerr.Configuration(strings.Join(problems, "; "))
	}
	return nil
}

// FailoverConfig tunes the provider failover orchestrator
type FailoverConfig struct {
	UnhealthyThreshold        int      `json:"unhealthy_threshold" mapstructure:"unhealthy_threshold"`
	HealthStaleAfter          Duration `json:"health_stale_after" mapstructure:"health_stale_after"`
	SwitchHistoryLimit        int      `json:"switch_history_limit" mapstructure:"switch_history_limit"`
	SwitchTimeout             Duration `json:"switch_timeout" mapstructure:"switch_timeout"`
	PreserveSessionOnFallback bool     `json:"preserve_session_on_fallback" mapstructure:"preserve_session_on_fallback"`
}

// DefaultFailoverConfig returns failover defaults
func DefaultFailoverConfig() *FailoverConfig {
	return &FailoverConfig{
		UnhealthyThreshold:        DefaultUnhealthyThreshold,
		HealthStaleAfter:          Duration(DefaultHealthStaleAfter),
		SwitchHistoryLimit:        DefaultSwitchHistoryLimit,
		SwitchTimeout:             Duration(DefaultSwitchTimeout),
		PreserveSessionOnFallback: true,
	}
}

// Validate checks failover parameters
func (c *FailoverConfig) Validate() error {
	var problems []string
	if c.UnhealthyThreshold < 1 {
		problems = append(problems, "failover.unhealthy_threshold must be >= 1")
	}
	if c.HealthStaleAfter < 0 {
		problems = append(problems, "failover.health_stale_after must be >= 0")
	}
	if c.SwitchHistoryLimit < 1 {
		problems = append(problems, "failover.switch_history_limit must be >= 1")
	}
	if c.SwitchTimeout <= 0 {
		problems = append(problems, "failover.switch_timeout must be > 0")
	}
	if len(problems) > 0 {
		return rtcerr.Configuration(strings.Join(problems, "; "))
	}
	return nil
}

// NetworkConfig tunes the network reachability monitor
type NetworkConfig struct {
	ProbeInterval   Duration `json:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout    Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	ProbeEndpoints  []string `json:"probe_endpoints,omitempty" mapstructure:"probe_endpoints"`
	AvailableStatus string   `json:"available_status,omitempty" mapstructure:"available_status"`
}

// DefaultNetworkConfig returns network monitor defaults
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		ProbeInterval:   Duration(DefaultProbeInterval),
		ProbeTimeout:    Duration(DefaultProbeTimeout),
		ProbeEndpoints:  []string{"1.1.1.1:443", "8.8.8.8:53"},
		AvailableStatus: "wifi",
	}
}

// Validate checks network monitor parameters
func (c *NetworkConfig) Validate() error {
	var problems []string
	if c.ProbeInterval <= 0 {
		problems = append(problems, "network.probe_interval must be > 0")
	}
	if c.ProbeTimeout <= 0 {
		problems = append(problems, "network.probe_timeout must be > 0")
	}
	if len(problems) > 0 {
		return rtcerr.Configuration(strings.Join(problems, "; "))
	}
	return nil
}

// JournalConfig controls the bbolt diagnostics journal
type JournalConfig struct {
	Enabled    bool `json:"enabled" mapstructure:"enabled"`
	MaxEntries int  `json:"max_entries" mapstructure:"max_entries"`
}

// DefaultJournalConfig returns journal defaults
func DefaultJournalConfig() *JournalConfig {
	return &JournalConfig{
		Enabled:    true,
		MaxEntries: DefaultJournalMaxEntries,
	}
}

// MetricsConfig controls Prometheus metrics exposure
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string          `json:"level" mapstructure:"level"`
	EnableFile    bool            `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool            `json:"enable_console" mapstructure:"enable_console"`
	Filename      string          `json:"filename" mapstructure:"filename"`
	LogDir        string          `json:"log_dir,omitempty" mapstructure:"log_dir"`
	MaxSize       int             `json:"max_size" mapstructure:"max_size"`       // MB
	MaxBackups    int             `json:"max_backups" mapstructure:"max_backups"` // number of backup files
	MaxAge        int             `json:"max_age" mapstructure:"max_age"`         // days
	Compress      bool            `json:"compress" mapstructure:"compress"`
	JSONFormat    bool            `json:"json_format" mapstructure:"json_format"`
	Audit         *AuditLogConfig `json:"audit,omitempty" mapstructure:"audit"`
}

// AuditLogConfig controls the operations audit log: a dedicated JSON file
// recording every reconnection attempt, provider switch, and credential
// renewal with its outcome. Disabled unless configured.
type AuditLogConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Filename within the log directory, separate from the main log file.
	Filename string `json:"filename" mapstructure:"filename"`
	// IncludeDetails adds per-operation context (attempt numbers, switch
	// triggers) to each entry.
	IncludeDetails bool `json:"include_details" mapstructure:"include_details"`
	// FilterSensitive redacts values and keys that look like credentials
	// before they reach disk.
	FilterSensitive bool `json:"filter_sensitive" mapstructure:"filter_sensitive"`
	// MaxDetailSize caps the serialized size of an entry's details in
	// bytes; oversized details are dropped. Zero means no limit.
	MaxDetailSize int `json:"max_detail_size" mapstructure:"max_detail_size"`
}

// DefaultAuditLogConfig returns audit log defaults; the log stays off
// until Enabled is set.
func DefaultAuditLogConfig() *AuditLogConfig {
	return &AuditLogConfig{
		Enabled:         false,
		Filename:        "audit.log",
		IncludeDetails:  true,
		FilterSensitive: true,
		MaxDetailSize:   4096,
	}
}

// DefaultLogConfig returns logging defaults
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "rtcguard.log",
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
		JSONFormat:    false,
	}
}

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		DataDir:       "", // Resolved by EnsureDataDir
		Providers:     []*ProviderConfig{},
		FallbackChain: []string{},
		AppSession:    &SessionConfig{},
		Reconnection:  DefaultReconnectionConfig(),
		Renewal:       DefaultRenewalConfig(),
		Failover:      DefaultFailoverConfig(),
		Network:       DefaultNetworkConfig(),
		Journal:       DefaultJournalConfig(),
		Metrics:       &MetricsConfig{Enabled: true},
		Logging:       DefaultLogConfig(),
	}
}

// fillDefaults replaces nil sections with their defaults so a partial
// config file is usable.
func (c *Config) fillDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.AppSession == nil {
		c.AppSession = &SessionConfig{}
	}
	if c.Reconnection == nil {
		c.Reconnection = DefaultReconnectionConfig()
	}
	if c.Renewal == nil {
		c.Renewal = DefaultRenewalConfig()
	}
	if c.Failover == nil {
		c.Failover = DefaultFailoverConfig()
	}
	if c.Network == nil {
		c.Network = DefaultNetworkConfig()
	}
	if c.Journal == nil {
		c.Journal = DefaultJournalConfig()
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{Enabled: true}
	}
	if c.Logging == nil {
		c.Logging = DefaultLogConfig()
	}
}

// Validate checks the whole configuration and reports every problem found
func (c *Config) Validate() error {
	c.fillDefaults()

	var problems []string

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p == nil || p.Name == "" {
			problems = append(problems, fmt.Sprintf("providers[%d]: name must not be empty", i))
			continue
		}
		if seen[p.Name] {
			problems = append(problems, fmt.Sprintf("providers: duplicate name %q", p.Name))
		}
		seen[p.Name] = true
	}

	chainSeen := make(map[string]bool, len(c.FallbackChain))
	for i, name := range c.FallbackChain {
		if name == "" {
			problems = append(problems, fmt.Sprintf("fallback_chain[%d]: name must not be empty", i))
			continue
		}
		if chainSeen[name] {
			problems = append(problems, fmt.Sprintf("fallback_chain: duplicate entry %q", name))
		}
		chainSeen[name] = true
	}

	for _, v := range []interface{ Validate() error }{
		c.Reconnection, c.Renewal, c.Failover, c.Network,
	} {
		if err := v.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return rtcerr.Configuration(strings.Join(problems, "; "))
	}
	return nil
}

// LoadFromFile loads configuration from a JSON file, applying defaults for
// missing sections and validating the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnsureDataDir resolves the data directory (defaulting to ~/.rtcguard) and
// creates it if needed.
func (c *Config) EnsureDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, defaultDirName)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	c.DataDir = dir
	return dir, nil
}

// HasProvider reports whether a provider with the given name is configured
func (c *Config) HasProvider(name string) bool {
	for _, p := range c.Providers {
		if p != nil && p.Name == name {
			return true
		}
	}
	return false
}

// ProviderParams returns the configured params for a provider, or nil
func (c *Config) ProviderParams(name string) map[string]string {
	for _, p := range c.Providers {
		if p != nil && p.Name == name {
			return p.Params
		}
	}
	return nil
}
