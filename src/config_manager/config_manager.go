package config_manager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/ubuntu/decorate"
)

const (
	// DefaultConfigPath is used unless APMUX_CONFIG_PATH or a flag says otherwise.
	DefaultConfigPath = "/etc/apmux/config.json"
	ConfigPathEnv     = "APMUX_CONFIG_PATH"
)

var logger = logrus.WithField("module", "config_manager")

// ConfigManager owns the daemon's config file.
type ConfigManager struct {
	FilePath string

	mu     sync.RWMutex
	config *Config
}

// ResolveConfigPath returns flagPath, then APMUX_CONFIG_PATH, then the
// default path.
func ResolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	return DefaultConfigPath
}

// NewConfigManager creates a new ConfigManager instance.
func NewConfigManager(filePath string) (*ConfigManager, error) {
	if filePath == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	return &ConfigManager{FilePath: filePath}, nil
}

// EnsureInitializedConfig loads the config file, creating or upgrading it
// as needed, and validates the result.
func (cm *ConfigManager) EnsureInitializedConfig() (err error) {
	defer decorate.OnError(&err, "could not initialize config %s", cm.FilePath)

	config, err := EnsureDefaultConfig(cm.FilePath, cm.backupDir())
	if err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.config = config
	cm.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"path":    cm.FilePath,
		"version": config.ConfigVersion,
	}).Info("Configuration loaded")
	return nil
}

func (cm *ConfigManager) backupDir() string {
	return filepath.Join(filepath.Dir(cm.FilePath), "config_backups")
}

// GetConfig returns a copy of the loaded configuration, or nil before
// EnsureInitializedConfig.
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.config == nil {
		return nil
	}
	return cm.config.Clone()
}

// LoadConfig reads the configuration from the managed file.
func (cm *ConfigManager) LoadConfig() (*Config, error) {
	config, err := LoadConfig(cm.FilePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return config, nil
}

// SaveConfig validates config, writes it to the managed file and makes a
// copy of it current. Later changes to config do not affect the manager.
func (cm *ConfigManager) SaveConfig(config *Config) error {
	saved := config.Clone()
	if err := saved.Validate(); err != nil {
		return err
	}
	if err := SaveConfig(cm.FilePath, saved); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.config = saved
	cm.mu.Unlock()
	return nil
}
