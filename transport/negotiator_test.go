package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/region"
)

type fakeTunnel struct {
	iface  string
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newFakeTunnel() *fakeTunnel { return &fakeTunnel{iface: "tun0", done: make(chan struct{})} }

func (t *fakeTunnel) Interface() string     { return t.iface }
func (t *fakeTunnel) Done() <-chan struct{} { return t.done }
func (t *fakeTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// scriptedDialer answers each endpoint with a fixed error, or a tunnel.
type scriptedDialer struct {
	mu      sync.Mutex
	results map[Endpoint]error
	block   map[Endpoint]bool
	calls   []DialRequest
}

func (d *scriptedDialer) Dial(ctx context.Context, req DialRequest) (Tunnel, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	err := d.results[req.Endpoint]
	block := d.block[req.Endpoint]
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return newFakeTunnel(), nil
}

func (d *scriptedDialer) endpoints() []Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Endpoint
	for _, c := range d.calls {
		out = append(out, c.Endpoint)
	}
	return out
}

var (
	udp8080 = Endpoint{Protocol: UDP, Port: 8080}
	tcp443  = Endpoint{Protocol: TCP, Port: 443}
	testReg = region.Region{ID: "us-east", Host: "10.0.0.1"}
)

func fallbackConfig() Config {
	return Config{
		Protocol:          UDP,
		Port:              8080,
		AlternateProtocol: TCP,
		AlternatePort:     443,
		TryAlternate:      true,
	}
}

type blankDialer struct {
	tun *fakeTunnel
}

func (d *blankDialer) Dial(context.Context, DialRequest) (Tunnel, error) {
	d.tun = &fakeTunnel{done: make(chan struct{})}
	return d.tun, nil
}

func TestNegotiate_RejectsTunnelWithoutInterface(t *testing.T) {
	d := &blankDialer{}
	n := NewNegotiator(d)

	h, err := n.Negotiate(context.Background(), testReg, fallbackConfig(), Credentials{})
	assert.Nil(t, h)
	assert.ErrorIs(t, err, common.ErrMisconfigured)
	require.NotNil(t, d.tun)
	assert.True(t, d.tun.closed, "tunnel without an interface must be closed")
}

func TestNegotiate_PrimarySucceeds(t *testing.T) {
	d := &scriptedDialer{}
	h, err := NewNegotiator(d).Negotiate(context.Background(), testReg, fallbackConfig(), Credentials{})
	require.NoError(t, err)
	assert.False(t, h.FellBack())
	assert.Equal(t, udp8080, h.Effective)
	assert.Equal(t, []Endpoint{udp8080}, d.endpoints())
}

func TestNegotiate_FallsBackToAlternate(t *testing.T) {
	d := &scriptedDialer{results: map[Endpoint]error{
		udp8080: fmt.Errorf("%w: no reply", common.ErrConnectivity),
	}}

	h, err := NewNegotiator(d).Negotiate(context.Background(), testReg, fallbackConfig(), Credentials{})
	require.NoError(t, err)
	assert.True(t, h.FellBack())
	assert.Equal(t, udp8080, h.Primary)
	assert.Equal(t, tcp443, h.Effective)
	assert.Equal(t, []Endpoint{udp8080, tcp443}, d.endpoints())
}

func TestNegotiate_TimeoutCountsAsConnectivity(t *testing.T) {
	d := &scriptedDialer{block: map[Endpoint]bool{udp8080: true}}

	n := NewNegotiator(d, WithDialTimeout(20*time.Millisecond))
	h, err := n.Negotiate(context.Background(), testReg, fallbackConfig(), Credentials{})
	require.NoError(t, err)
	assert.Equal(t, tcp443, h.Effective)
}

func TestNegotiate_AuthNeverFallsBack(t *testing.T) {
	d := &scriptedDialer{results: map[Endpoint]error{
		udp8080: fmt.Errorf("%w: AUTH_FAILED", common.ErrAuthentication),
	}}

	_, err := NewNegotiator(d).Negotiate(context.Background(), testReg, fallbackConfig(), Credentials{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrAuthentication)
	assert.Equal(t, []Endpoint{udp8080}, d.endpoints())
}

func TestNegotiate_AlternateTriedExactlyOnce(t *testing.T) {
	d := &scriptedDialer{results: map[Endpoint]error{
		udp8080: fmt.Errorf("%w: no reply", common.ErrConnectivity),
		tcp443:  fmt.Errorf("%w: refused", common.ErrConnectivity),
	}}

	_, err := NewNegotiator(d).Negotiate(context.Background(), testReg, fallbackConfig(), Credentials{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrConnectivity)
	assert.Equal(t, []Endpoint{udp8080, tcp443}, d.endpoints())
}

func TestNegotiate_NoAlternateWhenDisabledOrProxied(t *testing.T) {
	unreachable := map[Endpoint]error{udp8080: fmt.Errorf("%w: no reply", common.ErrConnectivity)}

	cfg := fallbackConfig()
	cfg.TryAlternate = false
	d := &scriptedDialer{results: unreachable}
	_, err := NewNegotiator(d).Negotiate(context.Background(), testReg, cfg, Credentials{})
	assert.ErrorIs(t, err, common.ErrConnectivity)
	assert.Len(t, d.endpoints(), 1)

	cfg = fallbackConfig()
	cfg.Proxy = &ProxyConfig{Type: ProxySOCKS5, Address: "127.0.0.1:1080"}
	d = &scriptedDialer{results: unreachable}
	_, err = NewNegotiator(d, WithoutProxyPreflight()).Negotiate(context.Background(), testReg, cfg, Credentials{})
	assert.ErrorIs(t, err, common.ErrConnectivity)
	assert.Len(t, d.endpoints(), 1)
	assert.NotNil(t, d.calls[0].Proxy)
}

func TestNegotiate_UnknownErrorIsConnectivity(t *testing.T) {
	d := &scriptedDialer{results: map[Endpoint]error{
		udp8080: errors.New("network is unreachable"),
	}}
	cfg := fallbackConfig()
	cfg.TryAlternate = false

	_, err := NewNegotiator(d).Negotiate(context.Background(), testReg, cfg, Credentials{})
	assert.ErrorIs(t, err, common.ErrConnectivity)
	assert.Contains(t, err.Error(), "UDP/8080")
}

func TestNegotiate_Cancelled(t *testing.T) {
	d := &scriptedDialer{block: map[Endpoint]bool{udp8080: true, tcp443: true}}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewNegotiator(d).Negotiate(ctx, testReg, fallbackConfig(), Credentials{})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrCancelled)
	assert.False(t, common.IsRetryable(err))
	assert.Len(t, d.endpoints(), 1)
}

func TestNegotiate_Misconfigured(t *testing.T) {
	cfg := Config{
		Protocol: UDP,
		Port:     8080,
		Proxy:    &ProxyConfig{Type: ProxyShadowsocks, Address: "127.0.0.1:8388"},
	}
	d := &scriptedDialer{}

	_, err := NewNegotiator(d).Negotiate(context.Background(), testReg, cfg, Credentials{})
	assert.ErrorIs(t, err, common.ErrMisconfigured)
	assert.Empty(t, d.endpoints())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"udp", Config{Protocol: UDP, Port: 8080}, false},
		{"no port", Config{Protocol: UDP}, true},
		{"bad protocol", Config{Protocol: "icmp", Port: 1}, true},
		{"bad alternate", Config{Protocol: UDP, Port: 1, AlternateProtocol: "sctp"}, true},
		{"socks over udp", Config{Protocol: UDP, Port: 1, Proxy: &ProxyConfig{Type: ProxySOCKS5, Address: "p:1"}}, false},
		{"shadowsocks over tcp", Config{Protocol: TCP, Port: 443, Proxy: &ProxyConfig{Type: ProxyShadowsocks, Address: "p:1"}}, false},
		{"shadowsocks over udp", Config{Protocol: UDP, Port: 53, Proxy: &ProxyConfig{Type: ProxyShadowsocks, Address: "p:1"}}, true},
		{"proxy without address", Config{Protocol: TCP, Port: 443, Proxy: &ProxyConfig{Type: ProxySOCKS5}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrMisconfigured)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Alternate(t *testing.T) {
	cfg := fallbackConfig()
	alt, ok := cfg.Alternate()
	require.True(t, ok)
	assert.Equal(t, tcp443, alt)

	cfg.AlternateProtocol, cfg.AlternatePort = UDP, 8080
	_, ok = cfg.Alternate()
	assert.False(t, ok, "alternate equal to primary is not an alternate")
}

func TestConfig_CloneIsDeep(t *testing.T) {
	cfg := fallbackConfig()
	cfg.Proxy = &ProxyConfig{Type: ProxySOCKS5, Address: "a:1"}
	c := cfg.Clone()
	c.Proxy.Address = "b:2"
	assert.Equal(t, "a:1", cfg.Proxy.Address)
}

func TestEndpoint_String(t *testing.T) {
	assert.Equal(t, "UDP/8080", udp8080.String())
	assert.Equal(t, "TCP/443", tcp443.String())
}
