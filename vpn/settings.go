package vpn

import (
	"net/netip"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/firewall"
	"github.com/yllada/vpn-orchestrator/portforward"
	"github.com/yllada/vpn-orchestrator/snooze"
	"github.com/yllada/vpn-orchestrator/transport"
)

// RetrySettings bound negotiation retries.
type RetrySettings struct {
	Attempts       uint
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	AutoRetry      bool
	AutoRetryDelay time.Duration
}

// PortForwardSettings control port forward leasing.
type PortForwardSettings struct {
	// Auto requests a port whenever a supporting region connects.
	Auto bool
	// Gateway overrides the in-tunnel API base.
	Gateway string
	Options []portforward.Option
}

// Settings are the Manager's initial settings.
type Settings struct {
	Killswitch  common.KillswitchMode
	AllowLAN    bool
	LANPrefixes []netip.Prefix
	Transport   transport.Config
	Retry       RetrySettings
	PortForward PortForwardSettings
	Snooze      []snooze.Option
	// DefaultSnooze is used when Snooze is called with zero.
	DefaultSnooze time.Duration
	// SnoozeStep is the unit of AdjustSnooze from the control surface.
	SnoozeStep time.Duration
	// Health starts a HealthChecker on every connected tunnel when set.
	Health *HealthConfig
}

// DefaultSettings returns settings matching config.DefaultConfig.
func DefaultSettings() Settings {
	s, _ := SettingsFrom(config.DefaultConfig())
	return s
}

// SettingsFrom converts the daemon configuration.
func SettingsFrom(cfg *config.Config) (Settings, error) {
	lan, err := firewall.ParsePrefixes(cfg.Firewall.LANPrefixes)
	if err != nil {
		return Settings{}, err
	}

	s := Settings{
		Killswitch:  cfg.Killswitch.Mode,
		AllowLAN:    cfg.Killswitch.AllowLAN,
		LANPrefixes: lan,
		Transport:   cfg.TransportSettings(),
		Retry: RetrySettings{
			Attempts:       cfg.Retry.MaxAttempts,
			InitialDelay:   cfg.Retry.InitialDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			AutoRetry:      cfg.Retry.AutoRetry,
			AutoRetryDelay: cfg.Retry.AutoRetryDelay,
		},
		PortForward: PortForwardSettings{
			Auto:    cfg.PortForward.Enabled,
			Gateway: cfg.PortForward.APIBase,
			Options: []portforward.Option{
				portforward.WithRequestTimeout(cfg.PortForward.RequestTimeout),
				portforward.WithRetry(cfg.PortForward.MaxAttempts, cfg.PortForward.Delay),
				portforward.WithRenewMargin(cfg.PortForward.RenewMargin),
			},
		},
		Snooze:        []snooze.Option{snooze.WithLimits(cfg.Snooze.Min, cfg.Snooze.Max)},
		DefaultSnooze: cfg.Snooze.Default,
		SnoozeStep:    cfg.Snooze.Step,
	}
	if cfg.Health.Enabled {
		s.Health = &HealthConfig{
			CheckInterval:    cfg.Health.CheckInterval,
			FailureThreshold: cfg.Health.FailureThreshold,
			DialTimeout:      DefaultHealthConfig().DialTimeout,
			TestHosts:        cfg.Health.TestHosts,
		}
	}
	return s, nil
}

func (s *Settings) withDefaults() {
	if s.Retry.Attempts == 0 {
		s.Retry.Attempts = 1
	}
	if s.Retry.AutoRetryDelay <= 0 {
		s.Retry.AutoRetryDelay = common.ReconnectDelay
	}
	if s.DefaultSnooze <= 0 {
		s.DefaultSnooze = common.DefaultSnooze
	}
	if s.SnoozeStep <= 0 {
		s.SnoozeStep = common.SnoozeStep
	}
}
