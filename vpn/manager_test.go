package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/events"
	"github.com/yllada/vpn-orchestrator/firewall"
	"github.com/yllada/vpn-orchestrator/killswitch"
	"github.com/yllada/vpn-orchestrator/portforward"
	"github.com/yllada/vpn-orchestrator/region"
	"github.com/yllada/vpn-orchestrator/snooze"
	"github.com/yllada/vpn-orchestrator/splittunnel"
	"github.com/yllada/vpn-orchestrator/transport"
)

const waitFor = 5 * time.Second

// latencyPort is where region latency is measured when no port is set.
const latencyPort = 443

var testRegions = []region.Region{
	{ID: "us-east", DisplayName: "US East", Country: "US", Host: "198.51.100.1"},
	{ID: "de-berlin", DisplayName: "DE Berlin", Country: "DE", Host: "203.0.113.2", SupportsPortForward: true},
}

type fakeTunnel struct {
	iface      string
	done       chan struct{}
	once       sync.Once
	closed     atomic.Bool
	closeDelay time.Duration
}

func newFakeTunnel(iface string) *fakeTunnel {
	return &fakeTunnel{iface: iface, done: make(chan struct{})}
}

func (t *fakeTunnel) Interface() string     { return t.iface }
func (t *fakeTunnel) Done() <-chan struct{} { return t.done }

func (t *fakeTunnel) Close() error {
	time.Sleep(t.closeDelay)
	t.closed.Store(true)
	t.die()
	return nil
}

func (t *fakeTunnel) die() {
	t.once.Do(func() { close(t.done) })
}

// fakeDialer succeeds unless behave says otherwise.
type fakeDialer struct {
	mu         sync.Mutex
	calls      []transport.DialRequest
	tunnels    []*fakeTunnel
	behave     func(ctx context.Context, req transport.DialRequest) error
	closeDelay time.Duration
	// noIface makes tunnels report no interface.
	noIface atomic.Bool
}

func (d *fakeDialer) Dial(ctx context.Context, req transport.DialRequest) (transport.Tunnel, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	behave := d.behave
	d.mu.Unlock()

	if behave != nil {
		if err := behave(ctx, req); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	name := fmt.Sprintf("tun%d", len(d.tunnels))
	if d.noIface.Load() {
		name = ""
	}
	tun := newFakeTunnel(name)
	tun.closeDelay = d.closeDelay
	d.tunnels = append(d.tunnels, tun)
	return tun, nil
}

func (d *fakeDialer) setBehave(fn func(ctx context.Context, req transport.DialRequest) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behave = fn
}

func (d *fakeDialer) Calls() []transport.DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.DialRequest(nil), d.calls...)
}

func (d *fakeDialer) Tunnels() []*fakeTunnel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTunnel(nil), d.tunnels...)
}

type fakeRequester struct {
	calls atomic.Int32
}

func (f *fakeRequester) Request(ctx context.Context, r region.Region, gateway string) (portforward.Lease, error) {
	f.calls.Add(1)
	return portforward.Lease{ForwardedPort: portforward.ForwardedPort{Port: 40123, LeaseExpiry: time.Now().Add(time.Hour)}}, nil
}

func (f *fakeRequester) Renew(ctx context.Context, gateway string, lease portforward.Lease) (portforward.Lease, error) {
	return lease, nil
}

type harness struct {
	t         *testing.T
	m         *Manager
	backend   *firewall.MemoryBackend
	dialer    *fakeDialer
	requester *fakeRequester
	cancel    context.CancelFunc
	runDone   chan error

	mu     sync.Mutex
	events []events.Event
}

func testSettings() Settings {
	s := DefaultSettings()
	s.Health = nil
	s.Retry = RetrySettings{Attempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	s.Snooze = []snooze.Option{snooze.WithLimits(20*time.Millisecond, 2*time.Second), snooze.WithTick(5 * time.Millisecond)}
	s.DefaultSnooze = time.Second
	return s
}

func newHarness(t *testing.T, tweak func(*Settings)) *harness {
	t.Helper()
	return newHarnessDeps(t, tweak, nil)
}

// newHarnessDeps is newHarness with a hook to adjust the dependencies.
func newHarnessDeps(t *testing.T, tweak func(*Settings), tweakDeps func(*Deps)) *harness {
	t.Helper()

	settings := testSettings()
	if tweak != nil {
		tweak(&settings)
	}

	backend := firewall.NewMemoryBackend()
	table := firewall.NewTable(backend)
	catalog := region.NewCatalog()
	require.NoError(t, catalog.Replace(testRegions))

	dialer := &fakeDialer{}
	requester := &fakeRequester{}
	h := &harness{
		t:         t,
		backend:   backend,
		dialer:    dialer,
		requester: requester,
		runDone:   make(chan error, 1),
	}

	deps := Deps{
		Table:      table,
		Killswitch: killswitch.New(table),
		Router:     splittunnel.NewRouter(table, nil),
		Catalog:    catalog,
		Negotiator: transport.NewNegotiator(dialer, transport.WithDialTimeout(time.Second)),
		Requester:  requester,
		Credentials: func(context.Context) (transport.Credentials, error) {
			return transport.Credentials{Username: "user", Password: "pass"}, nil
		},
	}
	if tweakDeps != nil {
		tweakDeps(&deps)
	}
	h.m = NewManager(deps, settings)

	sub, unsubscribe := h.m.Bus().Subscribe(1024)
	go func() {
		for e := range sub {
			h.mu.Lock()
			h.events = append(h.events, e)
			h.mu.Unlock()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runDone <- h.m.Run(ctx) }()
	<-h.m.Ready()

	t.Cleanup(func() {
		h.stop()
		unsubscribe()
	})
	return h
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case <-h.runDone:
	case <-time.After(waitFor):
		h.t.Error("manager did not stop")
	}
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) waitState(s common.ConnectionState) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.m.State() == s }, waitFor, time.Millisecond,
		"state %s never reached, stuck in %s", s, h.m.State())
}

func (h *harness) connect(regionID string) {
	h.t.Helper()
	require.NoError(h.t, h.m.Connect(h.ctx(), regionID, nil))
	h.waitState(common.StateConnected)
}

func (h *harness) seen() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.events...)
}

func (h *harness) eventually(kind events.Kind) events.Event {
	h.t.Helper()
	var found events.Event
	require.Eventually(h.t, func() bool {
		for _, e := range h.seen() {
			if e.Kind == kind {
				found = e
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond, "no %s event", kind)
	return found
}

func (h *harness) states() []common.ConnectionState {
	var out []common.ConnectionState
	for _, e := range h.seen() {
		if e.Kind == events.StateChanged {
			out = append(out, e.State)
		}
	}
	return out
}

// settle waits for the event collector to drain.
func (h *harness) settle() {
	time.Sleep(20 * time.Millisecond)
}

// inspect runs fn on the Run goroutine.
func (h *harness) inspect(fn func()) {
	h.t.Helper()
	require.NoError(h.t, h.m.do(h.ctx(), func() error {
		fn()
		return nil
	}))
}

// checkConsistent verifies the installed program is the policy for the
// current inputs and that its behavior honors the kill switch and split
// tunnel guarantees.
func (h *harness) checkConsistent() {
	h.t.Helper()
	var in firewall.Input
	var installed firewall.Program
	h.inspect(func() {
		in = h.m.policyInput()
		installed, _ = h.backend.Installed()
	})

	want := firewall.PolicyFor(in)
	require.True(h.t, want.Equal(installed), "installed program differs from policy in state %s:\nwant %v\ngot  %v", in.State, want, installed)
	checkGuarantees(h.t, installed, in)
}

var sampleDests = []netip.Addr{
	netip.MustParseAddr("93.184.216.34"),
	netip.MustParseAddr("192.168.1.10"),
	netip.MustParseAddr("198.51.100.1"),
	netip.MustParseAddr("127.0.0.1"),
}

func checkGuarantees(t *testing.T, p firewall.Program, in firewall.Input) {
	t.Helper()
	apps := []string{"", "/usr/bin/firefox", "/usr/bin/transmission", "/usr/bin/other"}
	for _, app := range apps {
		mode := in.Apps[app]
		for _, dest := range sampleDests {
			d := p.Decide(firewall.Flow{App: app, Dest: dest})
			exempt := dest.IsLoopback() ||
				(in.AllowLAN && dest.IsPrivate()) ||
				containsAddr(in.Endpoints, dest)

			switch mode {
			case common.SplitBypass:
				assert.False(t, d.ViaTunnel, "bypass app %s tunneled to %s in %s", app, dest, in.State)
				assert.True(t, d.Allowed, "bypass app %s blocked to %s in %s", app, dest, in.State)
			case common.SplitOnlyVPN:
				if d.Allowed && !dest.IsLoopback() {
					assert.True(t, d.ViaTunnel, "only-vpn app %s left the tunnel to %s in %s", app, dest, in.State)
				}
			default:
				if in.Blocking() && d.Allowed && !exempt {
					assert.True(t, d.ViaTunnel, "app %q leaked to %s with %s kill switch in %s", app, dest, in.Mode, in.State)
				}
			}
		}
	}
}

func containsAddr(addrs []netip.Addr, a netip.Addr) bool {
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}

func TestConnectDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.checkConsistent()

	h.connect("us-east")
	h.checkConsistent()

	st := h.m.Status()
	assert.Equal(t, "us-east", st.Region)
	assert.Equal(t, "UDP/8080", st.Effective)
	assert.False(t, st.FellBack)
	assert.True(t, st.KillswitchActive)

	require.NoError(t, h.m.Disconnect(h.ctx()))
	assert.Equal(t, common.StateDisconnected, h.m.State())
	h.checkConsistent()

	require.Len(t, h.dialer.Tunnels(), 1)
	assert.True(t, h.dialer.Tunnels()[0].closed.Load())

	h.settle()
	assert.Equal(t, []common.ConnectionState{
		common.StateConnecting,
		common.StateConnected,
		common.StateDisconnecting,
		common.StateDisconnected,
	}, h.states())

	require.NoError(t, h.m.Disconnect(h.ctx()), "disconnect is idempotent")
}

func TestCommandsRejectedInWrongState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx()

	assert.ErrorIs(t, h.m.Snooze(ctx, time.Minute), common.ErrInvalidState)
	assert.ErrorIs(t, h.m.Resume(ctx), common.ErrInvalidState)
	assert.ErrorIs(t, h.m.RequestPortForward(ctx), common.ErrInvalidState)
	_, err := h.m.AdjustSnooze(ctx, time.Minute)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	h.connect("us-east")
	assert.ErrorIs(t, h.m.Connect(ctx, "de-berlin", nil), common.ErrInvalidState)

	h.settle()
	assert.Equal(t, []common.ConnectionState{common.StateConnecting, common.StateConnected}, h.states())
}

func TestConnect_Rejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := h.ctx()

	assert.ErrorIs(t, h.m.Connect(ctx, "nowhere", nil), common.ErrRegionNotFound)

	bad := transport.Config{
		Protocol: transport.UDP,
		Port:     8080,
		Proxy:    &transport.ProxyConfig{Type: transport.ProxyShadowsocks, Address: "127.0.0.1:8388"},
	}
	assert.ErrorIs(t, h.m.Connect(ctx, "us-east", &bad), common.ErrMisconfigured)

	assert.Equal(t, common.StateDisconnected, h.m.State())
	assert.Empty(t, h.dialer.Calls())
}

func TestConnect_AutoPicksFastestRegion(t *testing.T) {
	h := newHarness(t, nil)
	fast, slow := int64(12), int64(90)
	h.m.Catalog().UpdateLatency("de-berlin", &fast)
	h.m.Catalog().UpdateLatency("us-east", &slow)

	h.connect(common.AutoRegion)
	assert.Equal(t, "de-berlin", h.m.Status().Region)
	assert.Equal(t, common.AutoRegion, h.m.Status().Requested)
}

func TestFallback_UDPToTCP(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.setBehave(func(_ context.Context, req transport.DialRequest) error {
		if req.Endpoint.Protocol == transport.UDP {
			return fmt.Errorf("%w: no answer", common.ErrConnectivity)
		}
		return nil
	})

	h.connect("us-east")

	e := h.eventually(events.TransportFallbackUsed)
	assert.Equal(t, "UDP/8080", e.Primary)
	assert.Equal(t, "TCP/443", e.Effective)

	st := h.m.Status()
	assert.True(t, st.FellBack)
	assert.Equal(t, "TCP/443", st.Effective)
	assert.Equal(t, "UDP/8080", st.Transport)
	h.checkConsistent()
}

func TestAuthFailure_NeverFallsBackOrRetries(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Retry.Attempts = 5
		s.Retry.AutoRetry = true
		s.Retry.AutoRetryDelay = 10 * time.Millisecond
	})
	h.dialer.setBehave(func(context.Context, transport.DialRequest) error {
		return fmt.Errorf("%w: AUTH_FAILED", common.ErrAuthentication)
	})

	require.NoError(t, h.m.Connect(h.ctx(), "us-east", nil))
	h.waitState(common.StateError)

	e := h.eventually(events.Error)
	assert.Equal(t, common.KindAuthentication, e.ErrorKind)
	assert.Equal(t, common.KindAuthentication, h.m.Status().LastErrorKind)

	time.Sleep(50 * time.Millisecond)
	calls := h.dialer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, transport.Endpoint{Protocol: transport.UDP, Port: 8080}, calls[0].Endpoint)
	assert.Equal(t, common.StateError, h.m.State())
	h.checkConsistent()
}

func TestRetriesExhaustedThenAutoRetry(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Retry.AutoRetry = true
		s.Retry.AutoRetryDelay = 100 * time.Millisecond
	})
	var failing atomic.Bool
	failing.Store(true)
	h.dialer.setBehave(func(context.Context, transport.DialRequest) error {
		if failing.Load() {
			return fmt.Errorf("%w: refused", common.ErrConnectivity)
		}
		return nil
	})

	require.NoError(t, h.m.Connect(h.ctx(), "us-east", nil))
	h.waitState(common.StateError)
	assert.Equal(t, common.KindConnectivity, h.m.Status().LastErrorKind)
	h.checkConsistent()

	failing.Store(false)
	h.waitState(common.StateConnected)
	assert.Empty(t, h.m.Status().LastError)
}

func TestDisconnectCancelsConnecting(t *testing.T) {
	h := newHarness(t, nil)
	dialing := make(chan struct{}, 1)
	h.dialer.setBehave(func(ctx context.Context, _ transport.DialRequest) error {
		dialing <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, h.m.Connect(h.ctx(), "us-east", nil))
	<-dialing
	h.checkConsistent()

	require.NoError(t, h.m.Disconnect(h.ctx()))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, common.StateDisconnected, h.m.State())
	assert.NotContains(t, h.states(), common.StateConnected)
	assert.Len(t, h.dialer.Calls(), 1)
}

func TestTunnelWithoutInterfaceNeverConnects(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.noIface.Store(true)

	require.NoError(t, h.m.Connect(h.ctx(), "us-east", nil))
	h.waitState(common.StateError)

	assert.Equal(t, common.KindMisconfigured, h.m.Status().LastErrorKind)
	assert.NotContains(t, h.states(), common.StateConnected)
	for _, tun := range h.dialer.Tunnels() {
		assert.True(t, tun.closed.Load())
	}
	h.checkConsistent()
}

func TestLateTunnelIsClosed(t *testing.T) {
	h := newHarness(t, nil)
	dialing := make(chan struct{}, 1)
	release := make(chan struct{})
	h.dialer.setBehave(func(context.Context, transport.DialRequest) error {
		dialing <- struct{}{}
		<-release
		return nil
	})

	require.NoError(t, h.m.Connect(h.ctx(), "us-east", nil))
	<-dialing
	require.NoError(t, h.m.Disconnect(h.ctx()))
	close(release)

	require.Eventually(t, func() bool {
		tuns := h.dialer.Tunnels()
		return len(tuns) == 1 && tuns[0].closed.Load()
	}, waitFor, time.Millisecond)
	assert.Equal(t, common.StateDisconnected, h.m.State())
	assert.NotContains(t, h.states(), common.StateConnected)
}

func TestSnoozeResumeReusesSettings(t *testing.T) {
	h := newHarness(t, nil)
	tcp := transport.Config{Protocol: transport.TCP, Port: 443}
	require.NoError(t, h.m.Connect(h.ctx(), "de-berlin", &tcp))
	h.waitState(common.StateConnected)

	require.NoError(t, h.m.Snooze(h.ctx(), time.Second))
	h.waitState(common.StateSnoozed)
	h.checkConsistent()
	assert.True(t, h.dialer.Tunnels()[0].closed.Load())
	assert.Positive(t, h.m.Status().SnoozeRemaining)

	require.NoError(t, h.m.Resume(h.ctx()))
	h.waitState(common.StateConnected)
	h.checkConsistent()

	calls := h.dialer.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Region.ID, calls[1].Region.ID)
	assert.Equal(t, calls[0].Endpoint, calls[1].Endpoint)
	assert.Equal(t, "de-berlin", h.m.Status().Region)
	assert.Zero(t, h.m.Status().SnoozeRemaining)

	h.settle()
	assert.Equal(t, []common.ConnectionState{
		common.StateConnecting,
		common.StateConnected,
		common.StateSnoozing,
		common.StateSnoozed,
		common.StateResuming,
		common.StateConnected,
	}, h.states())
}

func TestSnoozeExpiryResumes(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("us-east")

	require.NoError(t, h.m.Snooze(h.ctx(), 30*time.Millisecond))
	h.eventually(events.SnoozeTick)

	require.Eventually(t, func() bool {
		return len(h.dialer.Calls()) == 2 && h.m.State() == common.StateConnected
	}, waitFor, time.Millisecond)
}

func TestAdjustSnoozeKeepsTeardown(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("us-east")

	require.NoError(t, h.m.Snooze(h.ctx(), time.Second))
	h.waitState(common.StateSnoozed)

	remaining, err := h.m.AdjustSnooze(h.ctx(), -500*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, remaining, 600*time.Millisecond)

	remaining, err = h.m.AdjustSnooze(h.ctx(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, remaining, "clamped to the maximum")

	assert.Equal(t, common.StateSnoozed, h.m.State())
	assert.Len(t, h.dialer.Calls(), 1)
	require.NoError(t, h.m.Disconnect(h.ctx()))
	assert.Zero(t, h.m.Status().SnoozeRemaining)
}

func TestResumeDuringSnoozing(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.closeDelay = 50 * time.Millisecond
	h.connect("us-east")

	require.NoError(t, h.m.Snooze(h.ctx(), time.Second))
	assert.Equal(t, common.StateSnoozing, h.m.State())
	require.NoError(t, h.m.Resume(h.ctx()))

	h.waitState(common.StateConnected)
	assert.Len(t, h.dialer.Calls(), 2)
	assert.Contains(t, h.states(), common.StateSnoozed)
}

func TestDisconnectDuringSnoozing(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.closeDelay = 30 * time.Millisecond
	h.connect("us-east")

	require.NoError(t, h.m.Snooze(h.ctx(), time.Second))
	require.NoError(t, h.m.Disconnect(h.ctx()))
	assert.Equal(t, common.StateDisconnected, h.m.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, common.StateDisconnected, h.m.State())
	assert.Len(t, h.dialer.Calls(), 1)
}

func TestLinkLossReconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("us-east")

	h.dialer.Tunnels()[0].die()

	require.Eventually(t, func() bool {
		return len(h.dialer.Tunnels()) == 2 && h.m.State() == common.StateConnected
	}, waitFor, time.Millisecond)
	assert.Contains(t, h.states(), common.StateReconnecting)
	h.checkConsistent()
}

func TestHealthFailureReconnects(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Health = &HealthConfig{CheckInterval: 5 * time.Millisecond, FailureThreshold: 2, TestHosts: []string{"probe:53"}}
	})
	var healthy atomic.Bool
	h.m.HealthChecker().SetProbe(func(context.Context, string, string) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("no route")
	})
	h.connect("us-east")

	require.Eventually(t, func() bool { return len(h.dialer.Tunnels()) >= 2 }, waitFor, time.Millisecond)
	healthy.Store(true)
	h.waitState(common.StateConnected)
	assert.Contains(t, h.states(), common.StateReconnecting)
}

func TestEnforcementFailureBlocksConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.FailWith(func(p firewall.Program) error {
		for _, r := range p.Filter {
			if r.Iface != "" {
				return errors.New("iptables: resource busy")
			}
		}
		return nil
	})

	require.NoError(t, h.m.Connect(h.ctx(), "us-east", nil))
	h.waitState(common.StateError)

	e := h.eventually(events.Error)
	assert.Equal(t, common.KindEnforcement, e.ErrorKind)
	require.Len(t, h.dialer.Tunnels(), 1)
	assert.True(t, h.dialer.Tunnels()[0].closed.Load())
	assert.Equal(t, common.KindEnforcement, h.m.Status().LastErrorKind)
	assert.NotContains(t, h.states(), common.StateConnected)

	h.backend.FailWith(nil)
	h.checkConsistent()
}

func TestAlwaysDisconnectedBypassBrowser(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.Killswitch = common.KillswitchAlways
		s.AllowLAN = false
	})
	require.NoError(t, h.m.SetAppRule(h.ctx(), splittunnel.AppRule{App: "/usr/bin/firefox", Mode: common.SplitBypass}))
	h.checkConsistent()

	installed, _ := h.backend.Installed()
	web := netip.MustParseAddr("93.184.216.34")

	browser := installed.Decide(firewall.Flow{App: "/usr/bin/firefox", Dest: web})
	assert.True(t, browser.Allowed)
	assert.False(t, browser.ViaTunnel)

	for _, app := range []string{"/usr/bin/curl", ""} {
		for _, dest := range []netip.Addr{web, netip.MustParseAddr("192.168.1.1"), netip.MustParseAddr("198.51.100.1")} {
			assert.False(t, installed.Decide(firewall.Flow{App: app, Dest: dest}).Allowed, "%q to %s", app, dest)
		}
	}
}

func TestLatencyMeasurableUnderAlways(t *testing.T) {
	h := newHarnessDeps(t, func(s *Settings) {
		s.Killswitch = common.KillswitchAlways
	}, func(d *Deps) {
		d.Probe = region.NewProbe(region.WithDialFunc(func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("unreachable")
		}))
		d.ProbeInterval = time.Hour
	})
	h.checkConsistent()

	target := netip.MustParseAddr("198.51.100.1")
	installed, _ := h.backend.Installed()
	measured := installed.Decide(firewall.Flow{Dest: target, Port: latencyPort, Mark: firewall.ProbeMark})
	assert.True(t, measured.Allowed)
	assert.False(t, measured.ViaTunnel)
	assert.False(t, installed.Decide(firewall.Flow{Dest: target, Port: latencyPort}).Allowed)

	h.connect("us-east")
	h.checkConsistent()
	installed, _ = h.backend.Installed()
	assert.False(t, installed.Decide(firewall.Flow{Dest: netip.MustParseAddr("203.0.113.2"), Port: latencyPort, Mark: firewall.ProbeMark}).ViaTunnel)

	moved := []region.Region{{ID: "us-east", Host: "192.0.2.50"}}
	require.NoError(t, h.m.SetRegions(h.ctx(), moved))
	h.checkConsistent()
	installed, _ = h.backend.Installed()
	assert.True(t, installed.Decide(firewall.Flow{Dest: netip.MustParseAddr("192.0.2.50"), Port: latencyPort, Mark: firewall.ProbeMark}).Allowed)
}

func TestKillswitchModeChangesReapply(t *testing.T) {
	h := newHarness(t, nil)
	for _, mode := range []common.KillswitchMode{common.KillswitchOff, common.KillswitchAlways, common.KillswitchAuto} {
		require.NoError(t, h.m.SetKillswitchMode(h.ctx(), mode))
		h.checkConsistent()
		assert.Equal(t, mode, h.m.Status().Killswitch)
	}
	require.NoError(t, h.m.SetAllowLAN(h.ctx(), false))
	h.checkConsistent()
	assert.False(t, h.m.Status().AllowLAN)
}

func TestAppRules(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("us-east")

	rule := splittunnel.AppRule{App: "/opt/does-not-exist/app", Mode: common.SplitOnlyVPN}
	require.NoError(t, h.m.SetAppRule(h.ctx(), rule))
	h.checkConsistent()
	assert.Contains(t, h.m.AppRules(), rule)

	removed, err := h.m.RemoveAppRule(h.ctx(), rule.App)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = h.m.RemoveAppRule(h.ctx(), rule.App)
	require.NoError(t, err)
	assert.False(t, removed)
	h.checkConsistent()
}

func TestPortForward_NotSupportedWithoutRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("us-east")

	err := h.m.RequestPortForward(h.ctx())
	require.ErrorIs(t, err, common.ErrNotSupported)

	e := h.eventually(events.PortForwardFailed)
	assert.Equal(t, common.KindPortForward, e.ErrorKind)
	assert.Zero(t, h.requester.calls.Load())
	assert.Equal(t, common.StateConnected, h.m.State())
}

func TestPortForward_LeaseLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("de-berlin")

	require.NoError(t, h.m.RequestPortForward(h.ctx()))
	e := h.eventually(events.PortForwarded)
	assert.Equal(t, uint16(40123), e.Port)

	st := h.m.Status()
	require.NotNil(t, st.ForwardedPort)
	assert.Equal(t, uint16(40123), st.ForwardedPort.Port)

	require.NoError(t, h.m.Disconnect(h.ctx()))
	assert.Nil(t, h.m.Status().ForwardedPort)
	assert.Equal(t, int32(1), h.requester.calls.Load())
}

func TestPortForward_AutoOnConnect(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.PortForward.Auto = true })
	h.connect("de-berlin")
	h.eventually(events.PortForwarded)
}

func TestSetTransportWhileConnected(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("us-east")

	tcp := transport.Config{Protocol: transport.TCP, Port: 443}
	require.NoError(t, h.m.SetTransport(h.ctx(), tcp))

	e := h.eventually(events.ReconnectNeeded)
	assert.Equal(t, "TCP/443", e.Primary)
	st := h.m.Status()
	assert.True(t, st.ReconnectNeeded)
	assert.Equal(t, "UDP/8080", st.Effective)
	assert.Equal(t, "TCP/443", st.Transport)
	assert.Len(t, h.dialer.Calls(), 1)

	require.NoError(t, h.m.Disconnect(h.ctx()))
	h.connect("us-east")
	assert.False(t, h.m.Status().ReconnectNeeded)
	assert.Equal(t, "TCP/443", h.m.Status().Effective)
}

func TestShutdownFlushesUnlessAlways(t *testing.T) {
	h := newHarness(t, nil)
	h.connect("us-east")
	h.stop()

	installed, _ := h.backend.Installed()
	assert.True(t, installed.Equal(firewall.Program{}))
	assert.True(t, h.dialer.Tunnels()[0].closed.Load())
	assert.ErrorIs(t, h.m.Disconnect(context.Background()), ErrStopped)

	always := newHarness(t, func(s *Settings) { s.Killswitch = common.KillswitchAlways })
	always.connect("us-east")
	always.stop()

	installed, _ = always.backend.Installed()
	want := firewall.PolicyFor(firewall.Input{
		Mode:     common.KillswitchAlways,
		AllowLAN: true,
		State:    common.StateDisconnected,
		Apps:     map[string]common.SplitMode{},
	})
	assert.True(t, want.Equal(installed), "got %v", installed)
}
