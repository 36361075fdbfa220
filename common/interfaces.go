// Package common provides shared constants, types, and utilities
// used across the VPN orchestrator.
package common

import (
	"fmt"
	"strings"
)

// ConnectionState represents the canonical state of the orchestrator.
// Only vpn.Manager mutates it; every other package reads it.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateSnoozing
	StateSnoozed
	StateResuming
	StateError
)

var stateNames = [...]string{
	StateDisconnected:  "Disconnected",
	StateConnecting:    "Connecting",
	StateConnected:     "Connected",
	StateReconnecting:  "Reconnecting",
	StateDisconnecting: "Disconnecting",
	StateSnoozing:      "Snoozing",
	StateSnoozed:       "Snoozed",
	StateResuming:      "Resuming",
	StateError:         "Error",
}

// String returns a human-readable state string.
func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if strings.EqualFold(name, string(b)) {
			*s = ConnectionState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", string(b))
}

// TunnelUp reports whether a tunnel is expected to carry traffic.
func (s ConnectionState) TunnelUp() bool {
	return s == StateConnected
}

// KillswitchMode selects when non-tunnel traffic is blocked.
type KillswitchMode int

const (
	KillswitchOff KillswitchMode = iota
	KillswitchAuto
	KillswitchAlways
)

// String returns the configuration name of the mode.
func (m KillswitchMode) String() string {
	switch m {
	case KillswitchOff:
		return "off"
	case KillswitchAuto:
		return "auto"
	case KillswitchAlways:
		return "always"
	default:
		return "unknown"
	}
}

// ParseKillswitchMode parses "off", "auto" or "always".
func ParseKillswitchMode(s string) (KillswitchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return KillswitchOff, nil
	case "auto":
		return KillswitchAuto, nil
	case "always":
		return KillswitchAlways, nil
	default:
		return KillswitchOff, fmt.Errorf("unknown killswitch mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m KillswitchMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *KillswitchMode) UnmarshalText(b []byte) error {
	parsed, err := ParseKillswitchMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Blocks reports whether the mode blocks non-tunnel traffic in the given state.
// Auto is fail-closed: it blocks in every state except Disconnected.
func (m KillswitchMode) Blocks(state ConnectionState) bool {
	switch m {
	case KillswitchAlways:
		return true
	case KillswitchAuto:
		return state != StateDisconnected
	default:
		return false
	}
}

// SplitMode is the per-application split tunnel choice.
type SplitMode int

const (
	// SplitDefault follows the VPN state.
	SplitDefault SplitMode = iota
	// SplitBypass always goes direct, never through the tunnel.
	SplitBypass
	// SplitOnlyVPN may only use the tunnel.
	SplitOnlyVPN
)

// String returns the configuration name of the mode.
func (m SplitMode) String() string {
	switch m {
	case SplitDefault:
		return "default"
	case SplitBypass:
		return "bypass"
	case SplitOnlyVPN:
		return "only_vpn"
	default:
		return "unknown"
	}
}

// ParseSplitMode parses "default", "bypass" or "only_vpn".
func ParseSplitMode(s string) (SplitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "default":
		return SplitDefault, nil
	case "bypass", "exclude":
		return SplitBypass, nil
	case "only_vpn", "onlyvpn", "only-vpn", "include":
		return SplitOnlyVPN, nil
	default:
		return SplitDefault, fmt.Errorf("unknown split tunnel mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m SplitMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SplitMode) UnmarshalText(b []byte) error {
	parsed, err := ParseSplitMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// CredentialStore defines the interface for credential storage.
// Implementations may use system keyring, encrypted files, etc.
type CredentialStore interface {
	// Store saves the password for an account.
	Store(account, password string) error
	// Get retrieves the password for an account.
	Get(account string) (string, error)
	// Delete removes the password for an account.
	Delete(account string) error
}

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string) error
	// NotifyWithIcon sends a notification with a custom icon.
	NotifyWithIcon(title, message, icon string) error
}
