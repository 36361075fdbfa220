package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/region"
)

// Handle is the result of a successful negotiation.
type Handle struct {
	Tunnel    Tunnel
	Region    region.Region
	Primary   Endpoint
	Effective Endpoint
}

// FellBack reports whether the alternate endpoint was used.
func (h *Handle) FellBack() bool {
	return h.Effective != h.Primary
}

// Negotiator picks the endpoint a tunnel is established on.
type Negotiator struct {
	dialer      Dialer
	dialTimeout time.Duration
	preflight   func(ctx context.Context, cfg Config, r region.Region) error
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithDialTimeout bounds every single dial.
func WithDialTimeout(d time.Duration) Option {
	return func(n *Negotiator) {
		n.dialTimeout = d
	}
}

// WithoutProxyPreflight disables the proxy reachability check.
func WithoutProxyPreflight() Option {
	return func(n *Negotiator) {
		n.preflight = nil
	}
}

// NewNegotiator returns a Negotiator dialing through d.
func NewNegotiator(d Dialer, opts ...Option) *Negotiator {
	n := &Negotiator{
		dialer:      d,
		dialTimeout: common.NegotiateTimeout,
		preflight:   CheckProxy,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Negotiate dials the primary endpoint, then the alternate exactly once if
// the primary was unreachable and alternate settings apply.
func (n *Negotiator) Negotiate(ctx context.Context, r region.Region, cfg Config, creds Credentials) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Proxy != nil && n.preflight != nil {
		if err := n.preflight(ctx, cfg, r); err != nil {
			return nil, n.classify(ctx, err, cfg.Primary())
		}
	}

	primary := cfg.Primary()
	tun, err := n.dial(ctx, r, primary, cfg.Proxy, creds)
	if err == nil {
		return &Handle{Tunnel: tun, Region: r, Primary: primary, Effective: primary}, nil
	}
	if !errors.Is(err, common.ErrConnectivity) {
		return nil, err
	}

	alt, ok := cfg.Alternate()
	if !ok {
		return nil, err
	}
	common.LogInfo("Transport: %s unreachable on %s, trying %s", r.ID, primary, alt)

	tun, altErr := n.dial(ctx, r, alt, nil, creds)
	if altErr != nil {
		return nil, altErr
	}
	return &Handle{Tunnel: tun, Region: r, Primary: primary, Effective: alt}, nil
}

func (n *Negotiator) dial(ctx context.Context, r region.Region, ep Endpoint, proxy *ProxyConfig, creds Credentials) (Tunnel, error) {
	dctx := ctx
	if n.dialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, n.dialTimeout)
		defer cancel()
	}

	tun, err := n.dialer.Dial(dctx, DialRequest{
		Region:      r,
		Endpoint:    ep,
		Proxy:       proxy,
		Credentials: creds,
	})
	if err != nil {
		return nil, n.classify(ctx, err, ep)
	}
	// Policy keys tunnel routing on the interface; without one a
	// "connected" tunnel would carry nothing.
	if tun.Interface() == "" {
		_ = tun.Close()
		return nil, fmt.Errorf("%w: tunnel on %s has no interface", common.ErrMisconfigured, ep)
	}
	return tun, nil
}

// classify maps a dial error onto the taxonomy. Cancellation of the
// caller's context wins over anything the dialer reported.
func (n *Negotiator) classify(ctx context.Context, err error, ep Endpoint) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", common.ErrCancelled, ctx.Err())
	case errors.Is(err, common.ErrAuthentication), errors.Is(err, common.ErrMisconfigured), errors.Is(err, common.ErrConnectivity):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w: no answer on %s", common.ErrConnectivity, common.ErrTimeout, ep)
	default:
		return fmt.Errorf("%w: %s: %w", common.ErrConnectivity, ep, err)
	}
}
