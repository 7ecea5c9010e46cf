package processlock

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

const defaultPIDFile = "rtcguard.pid"

// ProcessLock ensures a single guard instance per data directory.
type ProcessLock struct {
	pidFile string
	logger  *zap.Logger
}

// New creates a lock rooted in dataDir.
func New(dataDir string, logger *zap.Logger) *ProcessLock {
	return &ProcessLock{
		pidFile: filepath.Join(dataDir, defaultPIDFile),
		logger:  logger,
	}
}

// Acquire takes the lock. It refuses when the diagnostics port is bound or
// when a live process still owns the PID file; stale files from dead
// processes are cleared. An empty listenAddr (diagnostics disabled) skips
// the port probe.
func (p *ProcessLock) Acquire(listenAddr string) error {
	if listenAddr != "" {
		if err := p.checkPort(listenAddr); err != nil {
			return fmt.Errorf("port check failed: %w", err)
		}
	}

	if _, err := os.Stat(p.pidFile); err == nil {
		pid, err := p.readPID()
		if err != nil {
			p.logger.Warn("Failed to read PID file, removing stale lock",
				zap.String("pid_file", p.pidFile),
				zap.Error(err))
			os.Remove(p.pidFile)
		} else if p.isProcessRunning(pid) {
			return fmt.Errorf("another rtcguard instance is already running (PID: %d)", pid)
		} else {
			p.logger.Warn("Removing stale PID file from dead process",
				zap.Int("pid", pid),
				zap.String("pid_file", p.pidFile))
			os.Remove(p.pidFile)
		}
	}

	if err := p.writePID(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	p.logger.Info("Process lock acquired",
		zap.Int("pid", os.Getpid()),
		zap.String("pid_file", p.pidFile))

	return nil
}

// Release removes the PID file. Missing files are not an error.
func (p *ProcessLock) Release() error {
	if err := os.Remove(p.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	p.logger.Info("Process lock released",
		zap.Int("pid", os.Getpid()),
		zap.String("pid_file", p.pidFile))

	return nil
}

// checkPort probes the diagnostics listen address by binding it briefly. A
// bound port means another instance (or an unrelated process) owns it.
func (p *ProcessLock) checkPort(listenAddr string) error {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		if !strings.Contains(listenAddr, ":") {
			return fmt.Errorf("invalid listen address format: %s", listenAddr)
		}
		return fmt.Errorf("failed to parse listen address: %w", err)
	}

	addr := net.JoinHostPort(host, port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %s is already in use by another process", addr)
	}
	listener.Close()

	return nil
}

func (p *ProcessLock) readPID() (int, error) {
	data, err := os.ReadFile(p.pidFile)
	if err != nil {
		return 0, err
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %s", pidStr)
	}

	return pid, nil
}

func (p *ProcessLock) writePID() error {
	pid := os.Getpid()
	return os.WriteFile(p.pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0o644)
}

// isProcessRunning probes pid with signal 0. On Unix FindProcess always
// succeeds, so the signal is the real liveness check.
func (p *ProcessLock) isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil
}
