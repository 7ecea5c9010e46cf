package logs

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"rtcguard/internal/config"
)

// AuditLogger writes operation outcomes to a dedicated JSON file, separate
// from the main log: reconnection attempts, provider switches, and
// credential renewals. Keys and values that look like credentials are
// redacted before anything reaches disk.
type AuditLogger struct {
	logger    *zap.Logger
	config    *config.AuditLogConfig
	enabled   bool
	sensitive *regexp.Regexp
}

// NewAuditLogger creates an audit logger from the logging configuration. A
// nil or disabled audit section yields an inert instance whose record
// methods do nothing.
func NewAuditLogger(logConfig *config.LogConfig) (*AuditLogger, error) {
	if logConfig == nil || logConfig.Audit == nil || !logConfig.Audit.Enabled {
		return &AuditLogger{enabled: false}, nil
	}

	auditConfig := logConfig.Audit
	filename := auditConfig.Filename
	if filename == "" {
		filename = "audit.log"
	}

	// The audit file shares the main log's directory and rotation policy
	// but is always JSON and never mirrored to the console.
	fileLogConfig := &config.LogConfig{
		EnableFile: true,
		Filename:   filename,
		LogDir:     logConfig.LogDir,
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		Compress:   logConfig.Compress,
		JSONFormat: true,
	}

	fileCore, err := createFileCore(fileLogConfig, zap.InfoLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log file core: %w", err)
	}

	var sensitive *regexp.Regexp
	if auditConfig.FilterSensitive {
		sensitive = regexp.MustCompile(`(?i)(password|secret|key|token|authorization|auth|credential|private|api_key|api-key|bearer|jwt)`)
	}

	return &AuditLogger{
		logger:    zap.New(fileCore),
		config:    auditConfig,
		enabled:   true,
		sensitive: sensitive,
	}, nil
}

// RecordReconnect logs one reconnection attempt for the named provider. An
// empty errMsg marks the attempt that restored the session.
func (al *AuditLogger) RecordReconnect(provider string, attempt int, errMsg string) {
	if !al.enabled {
		return
	}
	al.record("reconnect", provider, errMsg == "", 0, errMsg, map[string]any{
		"attempt": attempt,
	})
}

// RecordSwitch logs a provider switch with its outcome. The details map
// carries switch context such as the trigger and is subject to filtering
// and the size limit.
func (al *AuditLogger) RecordSwitch(from, to, reason string, success bool, duration time.Duration, errMsg string, details map[string]any) {
	if !al.enabled {
		return
	}
	fields := map[string]any{
		"from":   from,
		"reason": reason,
	}
	for k, v := range details {
		fields[k] = v
	}
	al.record("switch", to, success, duration, errMsg, fields)
}

// RecordRenewal logs a credential renewal outcome. The credential itself
// is never part of the entry.
func (al *AuditLogger) RecordRenewal(provider string, success bool, duration time.Duration, errMsg string) {
	if !al.enabled {
		return
	}
	al.record("renewal", provider, success, duration, errMsg, nil)
}

func (al *AuditLogger) record(kind, provider string, success bool, duration time.Duration, errMsg string, details map[string]any) {
	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("provider", provider),
		zap.Bool("success", success),
		zap.String("error", errMsg),
	}
	if duration > 0 {
		fields = append(fields, zap.String("duration", duration.String()))
	}

	detail, truncated := al.prepareDetails(details)
	if detail != nil {
		fields = append(fields, zap.Any("details", detail))
	}
	if truncated {
		fields = append(fields, zap.Bool("details_truncated", true))
	}

	al.logger.Info("audit_event", fields...)
}

// prepareDetails applies the sensitive filter and the size limit. Details
// whose serialized form exceeds the limit are dropped whole rather than
// written partially.
func (al *AuditLogger) prepareDetails(details map[string]any) (any, bool) {
	if !al.config.IncludeDetails || len(details) == 0 {
		return nil, false
	}

	filtered := al.filterRecursive(details)
	if al.config.MaxDetailSize > 0 {
		raw, err := json.Marshal(filtered)
		if err != nil || len(raw) > al.config.MaxDetailSize {
			return nil, true
		}
	}
	return filtered, false
}

// filterRecursive redacts sensitive data in nested structures. Both the
// keys and the string values are matched.
func (al *AuditLogger) filterRecursive(data any) any {
	if al.sensitive == nil {
		return data
	}

	switch v := data.(type) {
	case map[string]any:
		filtered := make(map[string]any, len(v))
		for key, value := range v {
			if al.sensitive.MatchString(key) {
				filtered[key] = "[FILTERED]"
			} else {
				filtered[key] = al.filterRecursive(value)
			}
		}
		return filtered
	case []any:
		filtered := make([]any, len(v))
		for i, item := range v {
			filtered[i] = al.filterRecursive(item)
		}
		return filtered
	case string:
		if al.sensitive.MatchString(v) {
			return "[FILTERED]"
		}
		return v
	default:
		return v
	}
}

// Close flushes the audit file.
func (al *AuditLogger) Close() error {
	if al.logger != nil {
		return al.logger.Sync()
	}
	return nil
}

// IsEnabled reports whether entries are being written.
func (al *AuditLogger) IsEnabled() bool {
	return al.enabled
}
