package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rtcguard/internal/rtcerr"
)

const failureLogName = "failed_providers.log"

// LogProviderFailure appends a provider failure entry to failed_providers.log.
// The file is a plain append-only log meant for post-mortem reading next to
// the structured journal.
func LogProviderFailure(dataDir, provider, reason string) error {
	logPath := failureLogPath(dataDir)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", failureLogName, err)
	}
	defer f.Close()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	logLine := fmt.Sprintf("%s\t[ERROR]\tProvider %q failed: %s\n", timestamp, provider, reason)

	if _, err := f.WriteString(logLine); err != nil {
		return fmt.Errorf("failed to write to %s: %w", failureLogName, err)
	}

	return nil
}

// LogProviderFailureDetailed writes a failure entry carrying the error code,
// consecutive failure count and the time of the first failure in the streak.
func LogProviderFailureDetailed(dataDir, provider string, cause error, failureCount int, firstFailure time.Time) error {
	logPath := failureLogPath(dataDir)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", failureLogName, err)
	}
	defer f.Close()

	code := rtcerr.CodeOf(cause)
	if code == "" {
		code = "unclassified"
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	logLine := fmt.Sprintf("%s\t[ERROR]\tProvider %q | Code: %s | Count: %d | First: %s | Error: %v\n",
		timestamp, provider, code, failureCount, firstFailure.Format("2006-01-02 15:04:05"), cause)

	if _, err := f.WriteString(logLine); err != nil {
		return fmt.Errorf("failed to write to %s: %w", failureLogName, err)
	}

	return nil
}

// ClearFailureLog removes the failure log, typically after provider health
// has been reset by an operator.
func ClearFailureLog(dataDir string) error {
	err := os.Remove(failureLogPath(dataDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear %s: %w", failureLogName, err)
	}
	return nil
}

func failureLogPath(dataDir string) string {
	if dataDir == "" {
		dataDir = filepath.Join(os.Getenv("HOME"), ".rtcguard")
	}
	return filepath.Join(dataDir, failureLogName)
}
