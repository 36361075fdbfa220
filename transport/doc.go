// Package transport establishes tunnels over a chosen protocol and port.
//
// A Negotiator dials the primary endpoint and, when the first attempt
// fails with a connectivity error and alternate settings are enabled,
// tries the alternate endpoint exactly once. Authentication errors are
// returned immediately. The Handle records which endpoint won so callers
// can disclose a fallback to the user.
//
// The lower layer is pluggable through Dialer. OpenVPNDialer runs an
// openvpn process, the reference implementation used by the daemon.
package transport
