package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/proxy"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/region"
)

// CheckProxy verifies the configured proxy answers before a tunnel is
// started through it. For TCP transports the SOCKS handshake is carried
// through to the VPN server; for UDP only the proxy itself is dialed.
func CheckProxy(ctx context.Context, cfg Config, r region.Region) error {
	p := cfg.Proxy
	if p == nil {
		return nil
	}

	if cfg.Protocol != TCP || r.Host == "" {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", p.Address)
		if err != nil {
			return fmt.Errorf("%w: can't connect to the proxy: %w", common.ErrConnectivity, err)
		}
		return conn.Close()
	}

	var auth *proxy.Auth
	if p.Username != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", p.Address, auth, &net.Dialer{Timeout: common.ProbeTimeout})
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrMisconfigured, err)
	}

	target := net.JoinHostPort(r.Host, strconv.Itoa(int(cfg.Port)))
	var conn net.Conn
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", target)
	} else {
		conn, err = dialer.Dial("tcp", target)
	}
	if err != nil {
		return fmt.Errorf("%w: can't connect to the proxy: %w", common.ErrConnectivity, err)
	}
	return conn.Close()
}
