// Package common provides shared constants, types, and utilities
// used across the VPN orchestrator.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "VPN Orchestrator"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpn-orchestrator"
)

// File names used by the application.
const (
	RulesFileName       = "app-rules.yaml"
	RulesDBFileName     = "app-rules.db"
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	LogFileName         = "vpn-orchestrator.log"
	SocketFileName      = "control.sock"
)

// Default timeouts and intervals.
const (
	// NegotiateTimeout bounds a single transport dial.
	NegotiateTimeout = 30 * time.Second
	// TeardownTimeout bounds closing a tunnel.
	TeardownTimeout = 10 * time.Second
	// PortForwardTimeout bounds a single port forward request.
	PortForwardTimeout = 15 * time.Second
	// ProbeTimeout bounds a single latency probe.
	ProbeTimeout = 3 * time.Second
	// ReconnectDelay is the delay before automatically leaving Error.
	ReconnectDelay = 5 * time.Second
	// SnoozeTick is the countdown granularity.
	SnoozeTick = 1 * time.Second
)

// Snooze limits.
const (
	DefaultSnooze = 5 * time.Minute
	SnoozeStep    = 1 * time.Minute
	MinSnooze     = 1 * time.Minute
	MaxSnooze     = 1 * time.Hour
)

// TunnelDevice is the tun interface the reference dialer pins openvpn to.
const TunnelDevice = "vpo0"

// AutoRegion selects the lowest latency region at connect time.
const AutoRegion = "auto"

// Keyring entries.
const (
	// Account holds the VPN username and password.
	Account = "default"
	// TokenAccount holds the API token used for port forwarding.
	TokenAccount = "token"
)
