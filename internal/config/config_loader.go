package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader manages configuration loading, watching, and live updates.
type Loader struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	watcher    *fsnotify.Watcher
	onChange   func(*Config) error
	logger     *zap.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewLoader creates a new configuration loader with file watching.
func NewLoader(configPath string, logger *zap.Logger) (*Loader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Loader{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}, nil
}

// Load loads the initial configuration from file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// StartWatching starts watching the configuration file for changes.
// The onChange callback is called with the freshly loaded configuration;
// if it returns an error the previous configuration stays in effect.
func (l *Loader) StartWatching(onChange func(*Config) error) error {
	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()

	if err := l.watcher.Add(l.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	go l.watchLoop()

	l.logger.Info("Started watching configuration file",
		zap.String("path", l.configPath))

	return nil
}

// watchLoop runs the file watching loop.
func (l *Loader) watchLoop() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				l.handleFileChange()
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("File watcher error", zap.Error(err))

		case <-l.stopChan:
			return
		}
	}
}

// handleFileChange reloads the configuration after a file modification.
func (l *Loader) handleFileChange() {
	l.logger.Info("Configuration file changed, reloading...")

	cfg, err := LoadFromFile(l.configPath)
	if err != nil {
		l.logger.Error("Failed to reload configuration",
			zap.String("path", l.configPath),
			zap.Error(err))
		return
	}

	l.mu.Lock()
	oldConfig := l.config
	l.config = cfg
	onChange := l.onChange
	l.mu.Unlock()

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			l.logger.Error("Failed to apply configuration changes, keeping previous",
				zap.Error(err))

			l.mu.Lock()
			l.config = oldConfig
			l.mu.Unlock()
			return
		}
	}

	l.logger.Info("Configuration reloaded successfully")
}

// GetConfig returns the current configuration (thread-safe).
func (l *Loader) GetConfig() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// Stop stops the file watcher and cleans up resources.
func (l *Loader) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopChan)
		err = l.watcher.Close()
		if err == nil {
			l.logger.Info("Stopped configuration file watcher")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// SaveToFile writes a configuration to disk using a temp-file-then-rename
// sequence so readers never observe a partial write.
func SaveToFile(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}
