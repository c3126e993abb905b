package config_manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/OpenTollGate/tollgate-module-apmux-go/src/apmux"
	"github.com/OpenTollGate/tollgate-module-apmux-go/src/discovery"
	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"
)

// CurrentConfigVersion is the latest version of the config.json format.
const CurrentConfigVersion = "v0.1.0"

// Config represents the configuration of the apmux daemon.
type Config struct {
	ConfigVersion string `json:"config_version"`
	LogLevel      string `json:"log_level"`
	MaxVAPs       int    `json:"max_vaps"`

	// Timing of the event loop and its health passes.
	PollTimeout           time.Duration `json:"poll_timeout"`
	PingCheckInterval     time.Duration `json:"ping_check_interval"`
	RecoveryRetryInterval time.Duration `json:"recovery_retry_interval"`
	QueryTimeout          time.Duration `json:"query_timeout"`
	ThreadSettleDelay     time.Duration `json:"thread_settle_delay"`

	EventDelivery         string        `json:"event_delivery"` // "direct" or "relay"
	SocketDir             string        `json:"socket_dir"`
	CLISocketPath         string        `json:"cli_socket_path"`
	HostapdCtrlDir        string        `json:"hostapd_ctrl_dir"`
	HostapdRequestTimeout time.Duration `json:"hostapd_request_timeout"`
	DriverVendorOUI       uint32        `json:"driver_vendor_oui"`

	Discovery      DiscoveryConfig `json:"discovery"`
	AutoAttachVAPs []string        `json:"auto_attach_vaps"`
	AttachDriver   bool            `json:"attach_driver"`
	LinkWatch      bool            `json:"link_watch"`
	RecentEvents   int             `json:"recent_events"` // size of the ring served to the CLI
}

// DiscoveryConfig selects where VAPs to attach at start are found.
type DiscoveryConfig struct {
	Source          string `json:"source"` // "uci", "hostapd_conf" or "none"
	UCIRoot         string `json:"uci_root"`
	HostapdConfGlob string `json:"hostapd_conf_glob"`
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	clone := *c
	clone.AutoAttachVAPs = slices.Clone(c.AutoAttachVAPs)
	return &clone
}

// LoadConfig loads and parses config.json.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Return nil config if file does not exist
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil // Return nil config if file is empty
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves config.json.
func SaveConfig(filePath string, config *Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0644)
}

// NewDefaultConfig creates a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		ConfigVersion:         CurrentConfigVersion,
		LogLevel:              "info",
		MaxVAPs:               apmux.DefaultMaxVAPs,
		PollTimeout:           apmux.DefaultPollTimeout,
		PingCheckInterval:     apmux.DefaultPingCheckInterval,
		RecoveryRetryInterval: apmux.DefaultRecoveryRetryInterval,
		QueryTimeout:          apmux.DefaultQueryTimeout,
		ThreadSettleDelay:     apmux.DefaultSettleDelay,
		EventDelivery:         string(apmux.DeliveryDirect),
		SocketDir:             "/var/run/apmux",
		CLISocketPath:         "/var/run/apmux.sock",
		HostapdCtrlDir:        "/var/run/hostapd",
		HostapdRequestTimeout: 2 * time.Second,
		DriverVendorOUI:       0xAC9A96,
		Discovery: DiscoveryConfig{
			Source:          string(discovery.SourceUCI),
			UCIRoot:         discovery.DefaultUCIRoot,
			HostapdConfGlob: discovery.DefaultHostapdConfGlob,
		},
		AutoAttachVAPs: []string{},
		AttachDriver:   false,
		LinkWatch:      true,
		RecentEvents:   256,
	}
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"poll_timeout", c.PollTimeout},
		{"ping_check_interval", c.PingCheckInterval},
		{"recovery_retry_interval", c.RecoveryRetryInterval},
		{"query_timeout", c.QueryTimeout},
		{"hostapd_request_timeout", c.HostapdRequestTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.value)
		}
	}
	if c.ThreadSettleDelay < 0 {
		return fmt.Errorf("thread_settle_delay must not be negative, got %v", c.ThreadSettleDelay)
	}
	if c.MaxVAPs <= 0 {
		return fmt.Errorf("max_vaps must be positive, got %d", c.MaxVAPs)
	}
	if c.RecentEvents < 0 {
		return fmt.Errorf("recent_events must not be negative, got %d", c.RecentEvents)
	}
	switch apmux.DeliveryMode(c.EventDelivery) {
	case apmux.DeliveryDirect, apmux.DeliveryRelay:
	default:
		return fmt.Errorf("unknown event_delivery %q", c.EventDelivery)
	}
	switch discovery.Source(c.Discovery.Source) {
	case discovery.SourceUCI, discovery.SourceHostapdConf, discovery.SourceNone, "":
	default:
		return fmt.Errorf("unknown discovery source %q", c.Discovery.Source)
	}
	for _, vap := range c.AutoAttachVAPs {
		if err := apmux.ValidateVAPName(vap); err != nil {
			return fmt.Errorf("auto_attach_vaps: %w", err)
		}
	}
	return nil
}

// ManagerConfig translates the file settings into the multiplexer's
// configuration.
func (c *Config) ManagerConfig() apmux.Config {
	cfg := apmux.DefaultConfig()
	cfg.MaxVAPs = c.MaxVAPs
	cfg.PollTimeout = c.PollTimeout
	cfg.PingCheckInterval = c.PingCheckInterval
	cfg.RecoveryRetryInterval = c.RecoveryRetryInterval
	cfg.QueryTimeout = c.QueryTimeout
	cfg.SettleDelay = c.ThreadSettleDelay
	cfg.Delivery = apmux.DeliveryMode(c.EventDelivery)
	if c.SocketDir != "" {
		cfg.SocketDir = c.SocketDir
	}
	return cfg
}

// DiscoveryOptions translates the discovery section.
func (c *Config) DiscoveryOptions() discovery.Options {
	return discovery.Options{
		Source:          discovery.Source(c.Discovery.Source),
		UCIRoot:         c.Discovery.UCIRoot,
		HostapdConfGlob: c.Discovery.HostapdConfGlob,
	}
}

// EnsureDefaultConfig ensures a config.json exists, loading it if present.
// A file that does not parse or that carries an older config_version is
// backed up to backupDir and replaced with defaults.
func EnsureDefaultConfig(filePath, backupDir string) (*Config, error) {
	defaultConfig := NewDefaultConfig()
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig, SaveConfig(filePath, defaultConfig)
		}
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil || isOutdated(config.ConfigVersion) {
		if backupErr := backupAndLog(filePath, backupDir, "config", config.ConfigVersion); backupErr != nil {
			logger.WithError(backupErr).Error("Failed to back up outdated config")
			return nil, backupErr
		}
		return defaultConfig, SaveConfig(filePath, defaultConfig)
	}

	return &config, nil
}

// isOutdated reports whether v is older than CurrentConfigVersion. An
// unparsable version counts as outdated.
func isOutdated(v string) bool {
	have, err := version.NewVersion(v)
	if err != nil {
		return true
	}
	want := version.Must(version.NewVersion(CurrentConfigVersion))
	return have.LessThan(want)
}

// backupAndLog moves filePath into backupDir under a name carrying its
// kind, version and the current time.
func backupAndLog(filePath, backupDir, kind, oldVersion string) error {
	if oldVersion == "" {
		oldVersion = "unknown"
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s_%s_%d.json", kind, oldVersion, time.Now().UnixNano()))
	if err := os.Rename(filePath, backupPath); err != nil {
		return fmt.Errorf("move %s to %s: %w", filePath, backupPath, err)
	}

	logger.WithFields(logrus.Fields{
		"kind":        kind,
		"old_version": oldVersion,
		"new_version": CurrentConfigVersion,
		"backup":      backupPath,
	}).Warn("Replaced outdated configuration with defaults")
	return nil
}
