// Package config provides configuration management for the VPN orchestrator.
// It handles loading, saving, and validating daemon settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/transport"
)

// Config represents the daemon configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// Region is the region to connect to when none is given ("auto" picks the fastest).
	Region string `yaml:"region"`
	// ShowNotifications enables desktop notifications for connection events.
	ShowNotifications bool `yaml:"show_notifications"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogToFile enables the rotating log file.
	LogToFile bool `yaml:"log_to_file"`

	Killswitch  KillswitchConfig  `yaml:"killswitch"`
	Transport   TransportConfig   `yaml:"transport"`
	Retry       RetryConfig       `yaml:"retry"`
	PortForward PortForwardConfig `yaml:"port_forward"`
	Snooze      SnoozeConfig      `yaml:"snooze"`
	Latency     LatencyConfig     `yaml:"latency"`
	Health      HealthConfig      `yaml:"health"`
	Firewall    FirewallConfig    `yaml:"firewall"`
	Storage     StorageConfig     `yaml:"storage"`
	Regions     RegionsConfig     `yaml:"regions"`
	Control     ControlConfig     `yaml:"control"`
	OpenVPN     OpenVPNConfig     `yaml:"openvpn"`
}

// KillswitchConfig controls non-tunnel traffic blocking.
type KillswitchConfig struct {
	Mode     common.KillswitchMode `yaml:"mode"`
	AllowLAN bool                  `yaml:"allow_lan"`
}

// TransportConfig is the persisted form of transport.Config.
type TransportConfig struct {
	Protocol          string       `yaml:"protocol"`
	Port              uint16       `yaml:"port"`
	AlternateProtocol string       `yaml:"alternate_protocol"`
	AlternatePort     uint16       `yaml:"alternate_port"`
	TryAlternate      bool         `yaml:"try_alternate"`
	Proxy             *ProxyConfig `yaml:"proxy,omitempty"`
}

// ProxyConfig describes an optional upstream proxy.
type ProxyConfig struct {
	Type     string `yaml:"type"`
	Address  string `yaml:"address"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// RetryConfig bounds negotiation retries.
type RetryConfig struct {
	MaxAttempts      uint          `yaml:"max_attempts"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	NegotiateTimeout time.Duration `yaml:"negotiate_timeout"`
	AutoRetry        bool          `yaml:"auto_retry"`
	AutoRetryDelay   time.Duration `yaml:"auto_retry_delay"`
}

// PortForwardConfig controls port forward leasing.
type PortForwardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	APIBase        string        `yaml:"api_base"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    uint          `yaml:"max_attempts"`
	Delay          time.Duration `yaml:"delay"`
	RenewMargin    time.Duration `yaml:"renew_margin"`
}

// SnoozeConfig controls snooze durations.
type SnoozeConfig struct {
	Default time.Duration `yaml:"default"`
	Step    time.Duration `yaml:"step"`
	Min     time.Duration `yaml:"min"`
	Max     time.Duration `yaml:"max"`
}

// LatencyConfig controls region latency probing.
type LatencyConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// HealthConfig controls tunnel link monitoring.
type HealthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	TestHosts        []string      `yaml:"test_hosts"`
}

// FirewallConfig selects the enforcement backend.
type FirewallConfig struct {
	// Backend is "iptables" or "memory".
	Backend string `yaml:"backend"`
	// Chain is the prefix of the managed iptables chains.
	Chain string `yaml:"chain"`
	// TunnelTable is the policy routing table used for tunneled traffic.
	TunnelTable int `yaml:"tunnel_table"`
	// CgroupRoot is where per-app cgroups live.
	CgroupRoot string `yaml:"cgroup_root"`
	// PlaceInterval is how often app processes are moved into their cgroups.
	PlaceInterval time.Duration `yaml:"place_interval"`
	// LANPrefixes are allowed when allow_lan is set.
	LANPrefixes []string `yaml:"lan_prefixes"`
}

// StorageConfig selects where app rules are persisted.
type StorageConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	// Path overrides the default rules location.
	Path string `yaml:"path,omitempty"`
}

// RegionsConfig points to the region server list.
type RegionsConfig struct {
	// Source is a local YAML file path or an http(s) URL.
	Source    string   `yaml:"source"`
	Favorites []string `yaml:"favorites,omitempty"`
}

// ControlConfig controls the local control socket.
type ControlConfig struct {
	Socket string `yaml:"socket,omitempty"`
}

// OpenVPNConfig configures the reference tunnel dialer.
type OpenVPNConfig struct {
	Binary     string   `yaml:"binary"`
	ConfigPath string   `yaml:"config_path"`
	Device     string   `yaml:"device,omitempty"` // tun interface name, default vpo0
	ExtraArgs  []string `yaml:"extra_args,omitempty"`
}

// DefaultConfig returns the default configuration.
// These are sensible defaults for most users.
func DefaultConfig() *Config {
	return &Config{
		Region:            common.AutoRegion,
		ShowNotifications: true,
		LogLevel:          "info",
		LogToFile:         true,
		Killswitch: KillswitchConfig{
			Mode:     common.KillswitchAuto,
			AllowLAN: true,
		},
		Transport: TransportConfig{
			Protocol:          string(transport.UDP),
			Port:              8080,
			AlternateProtocol: string(transport.TCP),
			AlternatePort:     443,
			TryAlternate:      true,
		},
		Retry: RetryConfig{
			MaxAttempts:      3,
			InitialDelay:     time.Second,
			MaxDelay:         30 * time.Second,
			NegotiateTimeout: common.NegotiateTimeout,
			AutoRetry:        false,
			AutoRetryDelay:   30 * time.Second,
		},
		PortForward: PortForwardConfig{
			Enabled:        false,
			RequestTimeout: common.PortForwardTimeout,
			MaxAttempts:    3,
			Delay:          2 * time.Second,
			RenewMargin:    5 * time.Minute,
		},
		Snooze: SnoozeConfig{
			Default: common.DefaultSnooze,
			Step:    common.SnoozeStep,
			Min:     common.MinSnooze,
			Max:     common.MaxSnooze,
		},
		Latency: LatencyConfig{
			Interval:    5 * time.Minute,
			Timeout:     common.ProbeTimeout,
			Concurrency: 8,
			CacheTTL:    time.Minute,
		},
		Health: HealthConfig{
			Enabled:          true,
			CheckInterval:    30 * time.Second,
			FailureThreshold: 3,
			TestHosts:        []string{"8.8.8.8:53", "1.1.1.1:53"},
		},
		Firewall: FirewallConfig{
			Backend:       "iptables",
			Chain:         "VPNO",
			TunnelTable:   51820,
			CgroupRoot:    "vpn-orchestrator.slice",
			PlaceInterval: 2 * time.Second,
			LANPrefixes:   []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16", "fe80::/10", "fc00::/7"},
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Regions: RegionsConfig{
			Source: "regions.yaml",
		},
		OpenVPN: OpenVPNConfig{
			Binary: "openvpn",
		},
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults if it is missing.
func LoadFrom(configPath string) (*Config, error) {
	// If it doesn't exist, return default configuration
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %w", common.ErrConfigLoad, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate verifies that configuration values are valid.
// Recoverable values fall back to defaults; contradictions are errors.
func (c *Config) validate() error {
	def := DefaultConfig()

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.LogLevel) {
		c.LogLevel = def.LogLevel
	}
	if c.Region == "" {
		c.Region = common.AutoRegion
	}
	if !slices.Contains([]string{"iptables", "memory"}, c.Firewall.Backend) {
		c.Firewall.Backend = def.Firewall.Backend
	}
	if c.Firewall.Chain == "" {
		c.Firewall.Chain = def.Firewall.Chain
	}
	if c.Firewall.TunnelTable <= 0 {
		c.Firewall.TunnelTable = def.Firewall.TunnelTable
	}
	if c.Firewall.PlaceInterval <= 0 {
		c.Firewall.PlaceInterval = def.Firewall.PlaceInterval
	}
	if !slices.Contains([]string{"file", "sqlite"}, c.Storage.Backend) {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.NegotiateTimeout <= 0 {
		c.Retry.NegotiateTimeout = def.Retry.NegotiateTimeout
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		c.Retry.MaxDelay = c.Retry.InitialDelay
	}
	if c.PortForward.MaxAttempts == 0 {
		c.PortForward.MaxAttempts = 1
	}
	if c.PortForward.RequestTimeout <= 0 {
		c.PortForward.RequestTimeout = def.PortForward.RequestTimeout
	}
	if c.Snooze.Min <= 0 || c.Snooze.Max < c.Snooze.Min {
		c.Snooze.Min, c.Snooze.Max = def.Snooze.Min, def.Snooze.Max
	}
	if c.Snooze.Default < c.Snooze.Min || c.Snooze.Default > c.Snooze.Max {
		c.Snooze.Default = c.Snooze.Min
	}
	if c.Snooze.Step <= 0 {
		c.Snooze.Step = def.Snooze.Step
	}
	if c.Latency.Concurrency <= 0 {
		c.Latency.Concurrency = def.Latency.Concurrency
	}
	if c.Latency.Timeout <= 0 {
		c.Latency.Timeout = def.Latency.Timeout
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = def.Health.FailureThreshold
	}
	if c.Health.CheckInterval <= 0 {
		c.Health.CheckInterval = def.Health.CheckInterval
	}
	if c.OpenVPN.Binary == "" {
		c.OpenVPN.Binary = def.OpenVPN.Binary
	}

	if err := c.TransportSettings().Validate(); err != nil {
		return err
	}
	return nil
}

// TransportSettings converts the persisted transport section.
func (c *Config) TransportSettings() transport.Config {
	t := transport.Config{
		Protocol:          transport.Protocol(c.Transport.Protocol),
		Port:              c.Transport.Port,
		AlternateProtocol: transport.Protocol(c.Transport.AlternateProtocol),
		AlternatePort:     c.Transport.AlternatePort,
		TryAlternate:      c.Transport.TryAlternate,
	}
	if p := c.Transport.Proxy; p != nil {
		t.Proxy = &transport.ProxyConfig{
			Type:     transport.ProxyType(p.Type),
			Address:  p.Address,
			Username: p.Username,
			Password: p.Password,
		}
	}
	return t
}

// SetTransportSettings stores a transport.Config in the persisted section.
func (c *Config) SetTransportSettings(t transport.Config) {
	c.Transport = TransportConfig{
		Protocol:          string(t.Protocol),
		Port:              t.Port,
		AlternateProtocol: string(t.AlternateProtocol),
		AlternatePort:     t.AlternatePort,
		TryAlternate:      t.TryAlternate,
	}
	if p := t.Proxy; p != nil {
		c.Transport.Proxy = &ProxyConfig{
			Type:     string(p.Type),
			Address:  p.Address,
			Username: p.Username,
			Password: p.Password,
		}
	}
}

// Save saves the configuration to the default file.
func (c *Config) Save() error {
	configPath, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(configPath)
}

// SaveTo saves the configuration to configPath.
func (c *Config) SaveTo(configPath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %w", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %w", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigSave, err)
	}

	return nil
}

// Path returns the default configuration file path.
func Path() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("error getting home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", common.ConfigDirName, common.ConfigFileName), nil
}

// ResolvePath makes p absolute relative to the config directory.
func ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	dir, err := common.GetConfigDir()
	if err != nil {
		return p
	}
	return filepath.Join(dir, p)
}
