// Package vpn provides VPN connection management functionality.
// This file contains the Manager type, the single writer of the
// connection state.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

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

// ErrStopped is returned by commands issued after Run returned.
var ErrStopped = errors.New("connection manager stopped")

const commandQueue = 16

// Deps are the collaborators a Manager drives.
type Deps struct {
	Table      *firewall.Table
	Killswitch *killswitch.Enforcer
	Router     *splittunnel.Router
	Catalog    *region.Catalog
	Negotiator *transport.Negotiator
	Bus        *events.Bus
	// Requester talks to the port forward API. Nil disables port forwarding.
	Requester portforward.Requester
	// Credentials returns the tunnel credentials for each connection attempt.
	Credentials func(ctx context.Context) (transport.Credentials, error)
	// Probe measures region latency when set.
	Probe         *region.Probe
	ProbeInterval time.Duration
}

type command struct {
	fn   func() error
	done chan error
}

// Manager orchestrates the tunnel lifecycle. Every state change happens on
// the goroutine running Run; public methods queue commands for it and wait
// for the result.
type Manager struct {
	deps     Deps
	settings Settings

	commands chan command
	internal chan func()
	stopped  chan struct{}
	started  chan struct{}
	runOnce  sync.Once

	pf      *portforward.Manager
	snoozer *snooze.Scheduler
	health  *HealthChecker

	// Owned by the Run goroutine.
	ctx             context.Context
	state           common.ConnectionState
	requested       string
	target          *region.Region
	handle          *transport.Handle
	attempt         string
	cancelAttempt   context.CancelFunc
	stopWatch       chan struct{}
	teardown        chan struct{}
	pendingResume   bool
	pfAttempt       string
	cancelPF        context.CancelFunc
	autoRetryID     string
	autoRetryTimer  *time.Timer
	lastErr         error
	reconnectNeeded bool
	since           time.Time

	mu        sync.RWMutex
	status    Status
	transport transport.Config
}

// NewManager creates a Manager in the Disconnected state. Nothing is
// installed until Run is called.
func NewManager(deps Deps, settings Settings) *Manager {
	settings.withDefaults()
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Catalog == nil {
		deps.Catalog = region.NewCatalog()
	}

	m := &Manager{
		deps:      deps,
		settings:  settings,
		commands:  make(chan command, commandQueue),
		internal:  make(chan func(), commandQueue),
		stopped:   make(chan struct{}),
		started:   make(chan struct{}),
		state:     common.StateDisconnected,
		transport: settings.Transport.Clone(),
		since:     time.Now(),
	}
	if deps.Requester != nil {
		m.pf = portforward.NewManager(deps.Requester, m.onPortForwardUpdate, settings.PortForward.Options...)
	}
	m.snoozer = snooze.New(m.onSnoozeTick, m.onSnoozeExpired, settings.Snooze...)
	if settings.Health != nil {
		m.health = NewHealthChecker(*settings.Health)
	}
	m.publishStatus()
	return m
}

// Bus returns the event bus.
func (m *Manager) Bus() *events.Bus {
	return m.deps.Bus
}

// Catalog returns the region catalog.
func (m *Manager) Catalog() *region.Catalog {
	return m.deps.Catalog
}

// Ready is closed once Run has installed the initial policy.
func (m *Manager) Ready() <-chan struct{} {
	return m.started
}

// HealthChecker returns the link monitor, or nil when disabled.
func (m *Manager) HealthChecker() *HealthChecker {
	return m.health
}

// Run processes commands until ctx is done. On return the tunnel is torn
// down and the firewall is flushed unless the kill switch is in Always
// mode, in which case the Disconnected policy stays installed.
func (m *Manager) Run(ctx context.Context) error {
	first := false
	m.runOnce.Do(func() { first = true })
	if !first {
		return errors.New("connection manager already running")
	}
	defer close(m.stopped)

	m.ctx = ctx
	if err := m.apply(ctx); err != nil {
		common.LogError("Initial policy install failed: %v", err)
		m.raise(err)
	}
	close(m.started)

	var latency chan region.Result
	if m.deps.Probe != nil {
		latency = make(chan region.Result)
		interval := m.deps.ProbeInterval
		if interval <= 0 {
			interval = time.Minute
		}
		go m.deps.Probe.Run(ctx, interval, m.deps.Catalog.List, latency)
	}

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case c := <-m.commands:
			c.done <- c.fn()
		case fn := <-m.internal:
			fn()
		case res := <-latency:
			m.onLatency(res)
		}
	}
}

// do runs fn on the Run goroutine.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	c := command{fn: fn, done: make(chan error, 1)}
	select {
	case m.commands <- c:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", common.ErrCancelled, ctx.Err())
	case <-m.stopped:
		return ErrStopped
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", common.ErrCancelled, ctx.Err())
	case <-m.stopped:
		return ErrStopped
	}
}

// post queues an internal event from a background goroutine.
func (m *Manager) post(fn func()) {
	select {
	case m.internal <- fn:
	case <-m.stopped:
	}
}

// transition moves to next and re-evaluates enforcement: state first, then
// the kill switch, then split tunnel routing, then the StateChanged event.
// The returned error is an enforcement failure. Connected is never
// published unless both sections were installed; the caller must leave it.
func (m *Manager) transition(next common.ConnectionState) error {
	prev := m.state
	m.state = next
	m.since = time.Now()
	if next != common.StateError {
		m.lastErr = nil
	}

	err := m.apply(m.ctx)
	if err != nil && next == common.StateConnected {
		m.state = prev
		return err
	}
	m.publishStatus()
	if prev != next {
		common.LogInfo("Connection state: %s -> %s", prev, next)
	}
	m.publish(events.Event{Kind: events.StateChanged, State: next, Previous: prev, RegionID: m.regionID()})
	return err
}

// apply installs the policy for the current state.
func (m *Manager) apply(ctx context.Context) error {
	in := m.policyInput()
	if err := m.deps.Killswitch.Apply(ctx, in); err != nil {
		return err
	}
	return m.deps.Router.Apply(ctx, in)
}

func (m *Manager) policyInput() firewall.Input {
	in := firewall.Input{
		Mode:        m.settings.Killswitch,
		AllowLAN:    m.settings.AllowLAN,
		State:       m.state,
		Apps:        m.deps.Router.Modes(),
		LANPrefixes: m.settings.LANPrefixes,
	}
	if m.state == common.StateConnected && m.handle != nil {
		in.Tunnel = m.handle.Tunnel.Interface()
	}
	if needsEndpoint(m.state) {
		in.Endpoints = m.endpoints()
	}
	if m.deps.Probe != nil {
		in.Probes = m.probeTargets()
	}
	return in
}

// probeTargets lists the latency probe addresses of the online regions.
func (m *Manager) probeTargets() []netip.AddrPort {
	var out []netip.AddrPort
	for _, r := range m.deps.Catalog.List() {
		if a := r.ProbeAddr(); a.IsValid() && !r.Offline {
			out = append(out, a)
		}
	}
	return out
}

// needsEndpoint reports whether the tunnel may talk to its server in s.
func needsEndpoint(s common.ConnectionState) bool {
	switch s {
	case common.StateConnecting, common.StateConnected, common.StateReconnecting,
		common.StateResuming, common.StateDisconnecting, common.StateSnoozing:
		return true
	}
	return false
}

func (m *Manager) endpoints() []netip.Addr {
	var out []netip.Addr
	if m.target != nil {
		if a, err := m.target.Addr(); err == nil {
			out = append(out, a)
		}
	}
	cfg := m.currentTransport()
	if cfg.Proxy != nil {
		if host, _, err := net.SplitHostPort(cfg.Proxy.Address); err == nil {
			if a, err := netip.ParseAddr(host); err == nil {
				out = append(out, a)
			}
		}
	}
	return out
}

func (m *Manager) regionID() string {
	if m.target == nil {
		return ""
	}
	return m.target.ID
}

func (m *Manager) publish(e events.Event) {
	if e.State == 0 && e.Kind != events.StateChanged {
		e.State = m.state
	}
	m.deps.Bus.Publish(e)
}

// raise reports err as an Error event without a state change.
func (m *Manager) raise(err error) {
	m.publish(events.Event{
		Kind:      events.Error,
		RegionID:  m.regionID(),
		ErrorKind: common.KindOf(err),
		Message:   err.Error(),
	})
}

// fail enters Error with err as the reason.
func (m *Manager) fail(err error) {
	m.lastErr = err
	if enfErr := m.transition(common.StateError); enfErr != nil {
		common.LogError("Policy install in Error state failed: %v", enfErr)
	}
	common.LogError("Connection failed: %v", err)
	m.raise(err)
	m.scheduleAutoRetry(err)
}

func (m *Manager) scheduleAutoRetry(err error) {
	if !m.settings.Retry.AutoRetry || m.target == nil || !common.IsRetryable(err) {
		return
	}
	id := common.GenerateID()
	m.autoRetryID = id
	m.autoRetryTimer = time.AfterFunc(m.settings.Retry.AutoRetryDelay, func() {
		m.post(func() { m.onAutoRetry(id) })
	})
	common.LogInfo("Retrying in %v", m.settings.Retry.AutoRetryDelay)
}

func (m *Manager) stopAutoRetry() {
	if m.autoRetryTimer != nil {
		m.autoRetryTimer.Stop()
		m.autoRetryTimer = nil
	}
	m.autoRetryID = ""
}

func (m *Manager) onAutoRetry(id string) {
	if id != m.autoRetryID || m.state != common.StateError {
		return
	}
	m.autoRetryTimer = nil
	m.autoRetryID = ""
	if err := m.transition(common.StateConnecting); err != nil {
		m.fail(err)
		return
	}
	m.startAttempt()
}

// startAttempt negotiates a tunnel in the background for the current target.
func (m *Manager) startAttempt() {
	m.cancelInFlight()

	id := common.GenerateID()
	ctx, cancel := context.WithCancel(m.ctx)
	m.attempt = id
	m.cancelAttempt = cancel
	r := *m.target

	go func() {
		h, err := m.negotiate(ctx, r)
		m.post(func() { m.onNegotiated(id, h, err) })
	}()
}

func (m *Manager) cancelInFlight() {
	if m.cancelAttempt != nil {
		m.cancelAttempt()
	}
	m.cancelAttempt = nil
	m.attempt = ""
}

// negotiate runs on its own goroutine. Every retry takes a fresh transport
// snapshot so setting changes apply to the next attempt only.
func (m *Manager) negotiate(ctx context.Context, r region.Region) (*transport.Handle, error) {
	var creds transport.Credentials
	if m.deps.Credentials != nil {
		var err error
		if creds, err = m.deps.Credentials(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrAuthentication, err)
		}
	}

	var h *transport.Handle
	err := retry.Do(
		func() error {
			var err error
			h, err = m.deps.Negotiator.Negotiate(ctx, r, m.currentTransport(), creds)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(m.settings.Retry.Attempts),
		retry.Delay(m.settings.Retry.InitialDelay),
		retry.MaxDelay(m.settings.Retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(common.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			common.LogWarn("Negotiation attempt %d for %s failed: %v", n+1, r.ID, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, common.ErrCancelled) {
			err = fmt.Errorf("%w: %w", common.ErrCancelled, err)
		}
		return nil, err
	}
	return h, nil
}

func (m *Manager) onNegotiated(id string, h *transport.Handle, err error) {
	if id != m.attempt || !negotiating(m.state) {
		if h != nil {
			common.LogDebug("Discarding late tunnel for %s", h.Region.ID)
			go closeTunnel(h)
		}
		return
	}
	m.cancelInFlight()

	if err != nil {
		m.fail(err)
		return
	}

	m.handle = h
	if enfErr := m.transition(common.StateConnected); enfErr != nil {
		m.handle = nil
		closeTunnel(h)
		m.fail(enfErr)
		return
	}
	m.reconnectNeeded = false
	m.publishStatus()

	if h.FellBack() {
		common.LogInfo("Transport: %s could not be reached on %s, %s was used instead", h.Region.ID, h.Primary, h.Effective)
		m.publish(events.Event{
			Kind:      events.TransportFallbackUsed,
			RegionID:  h.Region.ID,
			Primary:   h.Primary.String(),
			Effective: h.Effective.String(),
		})
	}

	m.watch(h)
	if m.settings.PortForward.Auto && m.pf != nil && h.Region.SupportsPortForward {
		m.startPortForward()
	}
}

func negotiating(s common.ConnectionState) bool {
	return s == common.StateConnecting || s == common.StateReconnecting || s == common.StateResuming
}

// watch reports link loss for h.
func (m *Manager) watch(h *transport.Handle) {
	stop := make(chan struct{})
	m.stopWatch = stop
	go func() {
		select {
		case <-h.Tunnel.Done():
			m.post(func() { m.onLinkLost(h, "tunnel exited") })
		case <-stop:
		}
	}()
	if m.health != nil {
		m.health.Start(h.Tunnel.Interface(), func() {
			m.post(func() { m.onLinkLost(h, "health checks failed") })
		})
	}
}

func (m *Manager) onLinkLost(h *transport.Handle, reason string) {
	if m.handle != h || m.state != common.StateConnected {
		return
	}
	common.LogWarn("Link to %s lost: %s", h.Region.ID, reason)

	m.leaveConnected()
	if err := m.transition(common.StateReconnecting); err != nil {
		m.raise(err)
	}
	m.handle = nil
	closeTunnel(h)
	m.startAttempt()
}

// leaveConnected stops everything tied to the live tunnel. The tunnel
// itself is left to the caller.
func (m *Manager) leaveConnected() {
	if m.stopWatch != nil {
		close(m.stopWatch)
		m.stopWatch = nil
	}
	if m.health != nil {
		m.health.Stop()
	}
	m.stopPortForward()
}

func closeTunnel(h *transport.Handle) {
	if h == nil {
		return
	}
	if err := h.Tunnel.Close(); err != nil {
		common.LogWarn("Closing tunnel to %s: %v", h.Region.ID, err)
	}
}

// shutdown runs when Run's context is done.
func (m *Manager) shutdown() {
	m.cancelInFlight()
	m.stopAutoRetry()
	m.snoozer.Cancel()
	m.leaveConnected()
	closeTunnel(m.handle)
	m.handle = nil
	if m.teardown != nil {
		<-m.teardown
		m.teardown = nil
	}
	m.target = nil
	m.state = common.StateDisconnected
	m.publishStatus()

	ctx, cancel := context.WithTimeout(context.Background(), common.TeardownTimeout)
	defer cancel()
	if m.settings.Killswitch == common.KillswitchAlways {
		if err := m.apply(ctx); err != nil {
			common.LogError("Failed to leave the kill switch in place: %v", err)
		}
		return
	}
	if m.deps.Table != nil {
		if err := m.deps.Table.Flush(ctx); err != nil {
			common.LogError("Failed to flush firewall rules: %v", err)
		}
	}
}

func (m *Manager) currentTransport() transport.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport.Clone()
}
