package transport

import (
	"context"

	"github.com/yllada/vpn-orchestrator/region"
)

// Credentials authenticate the tunnel.
type Credentials struct {
	Username string
	Password string
}

// DialRequest is a single tunnel attempt.
type DialRequest struct {
	Region      region.Region
	Endpoint    Endpoint
	Proxy       *ProxyConfig
	Credentials Credentials
}

// Tunnel is an established tunnel.
type Tunnel interface {
	// Interface returns the tunnel network interface name.
	Interface() string
	// Done is closed when the tunnel goes away on its own.
	Done() <-chan struct{}
	// Close tears the tunnel down and waits for it to go away.
	Close() error
}

// Dialer opens tunnels. Implementations return errors wrapping
// common.ErrConnectivity or common.ErrAuthentication.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Tunnel, error)
}
