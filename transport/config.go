package transport

import (
	"fmt"
	"strings"

	"github.com/yllada/vpn-orchestrator/common"
)

// Protocol is the tunnel carrier protocol.
type Protocol string

const (
	UDP Protocol = "udp"
	TCP Protocol = "tcp"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p == UDP || p == TCP
}

// ProxyType selects the upstream proxy flavour.
type ProxyType string

const (
	ProxySOCKS5      ProxyType = "socks5"
	ProxyShadowsocks ProxyType = "shadowsocks"
)

// ProxyConfig describes an upstream proxy the tunnel is carried through.
// For Shadowsocks, Address is the local SOCKS endpoint of the shadowsocks client.
type ProxyConfig struct {
	Type     ProxyType `json:"type"`
	Address  string    `json:"address"`
	Username string    `json:"username,omitempty"`
	Password string    `json:"password,omitempty"`
}

// Config is the transport selection for a negotiation. It is a value type;
// callers take a fresh copy for every attempt.
type Config struct {
	Protocol          Protocol     `json:"protocol"`
	Port              uint16       `json:"port"`
	AlternateProtocol Protocol     `json:"alternate_protocol,omitempty"`
	AlternatePort     uint16       `json:"alternate_port,omitempty"`
	TryAlternate      bool         `json:"try_alternate"`
	Proxy             *ProxyConfig `json:"proxy,omitempty"`
}

// Endpoint is one protocol/port pair.
type Endpoint struct {
	Protocol Protocol `json:"protocol"`
	Port     uint16   `json:"port"`
}

// String formats the endpoint the way users read it, e.g. "UDP/8080".
func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%d", strings.ToUpper(string(e.Protocol)), e.Port)
}

// Primary returns the configured endpoint.
func (c Config) Primary() Endpoint {
	return Endpoint{Protocol: c.Protocol, Port: c.Port}
}

// Alternate returns the fallback endpoint, if one may be tried.
// A configured proxy disables alternate settings.
func (c Config) Alternate() (Endpoint, bool) {
	if !c.TryAlternate || c.Proxy != nil || c.AlternatePort == 0 || !c.AlternateProtocol.Valid() {
		return Endpoint{}, false
	}
	alt := Endpoint{Protocol: c.AlternateProtocol, Port: c.AlternatePort}
	if alt == c.Primary() {
		return Endpoint{}, false
	}
	return alt, true
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	if c.Proxy != nil {
		p := *c.Proxy
		c.Proxy = &p
	}
	return c
}

// Validate rejects configurations that can never negotiate.
func (c Config) Validate() error {
	if !c.Protocol.Valid() {
		return fmt.Errorf("%w: unknown protocol %q", common.ErrMisconfigured, c.Protocol)
	}
	if c.Port == 0 {
		return fmt.Errorf("%w: port must be set", common.ErrMisconfigured)
	}
	if c.AlternateProtocol != "" && !c.AlternateProtocol.Valid() {
		return fmt.Errorf("%w: unknown alternate protocol %q", common.ErrMisconfigured, c.AlternateProtocol)
	}
	if p := c.Proxy; p != nil {
		switch p.Type {
		case ProxySOCKS5:
		case ProxyShadowsocks:
			if c.Protocol != TCP {
				return fmt.Errorf("%w: shadowsocks requires TCP", common.ErrMisconfigured)
			}
		default:
			return fmt.Errorf("%w: unknown proxy type %q", common.ErrMisconfigured, p.Type)
		}
		if p.Address == "" {
			return fmt.Errorf("%w: proxy address must be set", common.ErrMisconfigured)
		}
	}
	return nil
}
