// Package logs builds the zap loggers used across rtcguard: an optional
// colored console core and an optional rotating JSON file core.
package logs

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"rtcguard/internal/config"
)

// Log level names accepted in configuration
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// ParseLevel maps a configured level name onto a zap level. Unknown names
// fall back to info.
func ParseLevel(name string) zapcore.Level {
	switch name {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel
	case LogLevelInfo:
		return zap.InfoLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Setup builds the main logger from config. With both sinks disabled it
// returns a console logger anyway so startup failures are never silent.
// The returned AtomicLevel governs every core, so the level can be changed
// at runtime (config reload) without rebuilding the logger.
func Setup(logConfig *config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	if logConfig == nil {
		logConfig = config.DefaultLogConfig()
	}

	level := zap.NewAtomicLevelAt(ParseLevel(logConfig.Level))

	var cores []zapcore.Core

	if logConfig.EnableConsole || (!logConfig.EnableConsole && !logConfig.EnableFile) {
		cores = append(cores, createConsoleCore(logConfig, level))
	}

	if logConfig.EnableFile {
		fileCore, err := createFileCore(logConfig, level)
		if err != nil {
			return nil, level, fmt.Errorf("failed to create file core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, level, nil
}

// createConsoleCore builds a stderr core. JSON format is honored for
// consoles too, for log shippers that scrape stderr.
func createConsoleCore(logConfig *config.LogConfig, level zapcore.LevelEnabler) zapcore.Core {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var encoder zapcore.Encoder
	if logConfig.JSONFormat {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	return zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
}

// createFileCore builds a rotating file core backed by lumberjack.
func createFileCore(logConfig *config.LogConfig, level zapcore.LevelEnabler) (zapcore.Core, error) {
	logDir, err := resolveLogDir(logConfig)
	if err != nil {
		return nil, err
	}

	filename := logConfig.Filename
	if filename == "" {
		filename = "rtcguard.log"
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, filename),
		MaxSize:    logConfig.MaxSize,
		MaxBackups: logConfig.MaxBackups,
		MaxAge:     logConfig.MaxAge,
		Compress:   logConfig.Compress,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if logConfig.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(writer), level), nil
}

// resolveLogDir picks the log directory (config override, else
// <home>/.rtcguard/logs) and creates it.
func resolveLogDir(logConfig *config.LogConfig) (string, error) {
	dir := logConfig.LogDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".rtcguard", "logs")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return dir, nil
}
