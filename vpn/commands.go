package vpn

import (
	"context"
	"fmt"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/events"
	"github.com/yllada/vpn-orchestrator/portforward"
	"github.com/yllada/vpn-orchestrator/region"
	"github.com/yllada/vpn-orchestrator/splittunnel"
	"github.com/yllada/vpn-orchestrator/transport"
)

func invalidState(cmd string, s common.ConnectionState) error {
	return fmt.Errorf("%w: %s while %s", common.ErrInvalidState, cmd, s)
}

// Connect starts a connection to regionID ("auto" or empty picks the
// fastest region). A non-nil cfg replaces the transport settings. It
// returns once the attempt has started; the outcome arrives as events.
func (m *Manager) Connect(ctx context.Context, regionID string, cfg *transport.Config) error {
	return m.do(ctx, func() error {
		if m.state != common.StateDisconnected && m.state != common.StateError {
			return invalidState("connect", m.state)
		}
		if cfg != nil {
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		r, err := m.deps.Catalog.Resolve(regionID)
		if err != nil {
			return err
		}

		m.stopAutoRetry()
		if cfg != nil {
			m.setTransport(*cfg)
		}
		m.requested = regionID
		m.target = &r
		m.reconnectNeeded = false
		common.LogInfo("Connecting to %s (%s)", r.ID, m.currentTransport().Primary())

		if err := m.transition(common.StateConnecting); err != nil {
			m.fail(err)
			return err
		}
		m.startAttempt()
		return nil
	})
}

// Disconnect tears the connection down. It is a no-op when disconnected
// and cancels an in-flight negotiation.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.state == common.StateDisconnected {
			return nil
		}
		m.stopAutoRetry()
		m.snoozer.Cancel()
		m.pendingResume = false

		prev := m.state
		m.cancelInFlight()
		if prev == common.StateConnected {
			m.leaveConnected()
		}

		enfErr := m.transition(common.StateDisconnecting)
		if m.handle != nil {
			closeTunnel(m.handle)
			m.handle = nil
		}
		if m.teardown != nil {
			<-m.teardown
			m.teardown = nil
		}
		m.target = nil
		m.requested = ""
		m.reconnectNeeded = false

		if err := m.transition(common.StateDisconnected); err != nil {
			enfErr = err
		}
		if enfErr != nil {
			m.raise(enfErr)
			return enfErr
		}
		return nil
	})
}

// Snooze disconnects for d (clamped; zero means the default) and then
// reconnects with the same region and transport.
func (m *Manager) Snooze(ctx context.Context, d time.Duration) error {
	return m.do(ctx, func() error {
		if m.state != common.StateConnected {
			return invalidState("snooze", m.state)
		}
		if d <= 0 {
			d = m.settings.DefaultSnooze
		}
		d = m.snoozer.Start(d)
		common.LogInfo("Snoozing for %v", d)

		m.leaveConnected()
		if err := m.transition(common.StateSnoozing); err != nil {
			m.raise(err)
		}

		h := m.handle
		m.handle = nil
		done := make(chan struct{})
		m.teardown = done
		go func() {
			closeTunnel(h)
			close(done)
			m.post(func() { m.onTeardown(done) })
		}()
		m.publish(events.Event{Kind: events.SnoozeTick, Remaining: d, RegionID: m.regionID()})
		return nil
	})
}

func (m *Manager) onTeardown(done chan struct{}) {
	if m.teardown != done {
		return
	}
	m.teardown = nil
	if m.state != common.StateSnoozing {
		return
	}
	if err := m.transition(common.StateSnoozed); err != nil {
		m.raise(err)
	}
	if m.pendingResume {
		m.pendingResume = false
		m.resume()
	}
}

// AdjustSnooze moves the snooze deadline by delta without touching the
// tunnel teardown or rebuild. It returns the new remaining time.
func (m *Manager) AdjustSnooze(ctx context.Context, delta time.Duration) (time.Duration, error) {
	var remaining time.Duration
	err := m.do(ctx, func() error {
		if m.state != common.StateSnoozing && m.state != common.StateSnoozed {
			return invalidState("adjust snooze", m.state)
		}
		var err error
		if remaining, err = m.snoozer.Adjust(delta); err != nil {
			return err
		}
		m.publishStatus()
		m.publish(events.Event{Kind: events.SnoozeTick, Remaining: remaining, RegionID: m.regionID()})
		return nil
	})
	return remaining, err
}

// SnoozeStep returns the configured AdjustSnooze unit.
func (m *Manager) SnoozeStep() time.Duration {
	return m.settings.SnoozeStep
}

// Resume ends a snooze early.
func (m *Manager) Resume(ctx context.Context) error {
	return m.do(ctx, func() error {
		switch m.state {
		case common.StateSnoozing:
			m.snoozer.Cancel()
			m.pendingResume = true
			return nil
		case common.StateSnoozed:
			m.snoozer.Cancel()
			m.resume()
			return nil
		default:
			return invalidState("resume", m.state)
		}
	})
}

func (m *Manager) resume() {
	if m.target == nil {
		m.fail(fmt.Errorf("%w: nothing to resume", common.ErrInvalidState))
		return
	}
	common.LogInfo("Resuming connection to %s", m.target.ID)
	if err := m.transition(common.StateResuming); err != nil {
		m.fail(err)
		return
	}
	m.startAttempt()
}

func (m *Manager) onSnoozeTick(remaining time.Duration) {
	m.post(func() {
		if m.state != common.StateSnoozing && m.state != common.StateSnoozed {
			return
		}
		m.publish(events.Event{Kind: events.SnoozeTick, Remaining: remaining, RegionID: m.regionID()})
	})
}

func (m *Manager) onSnoozeExpired() {
	m.post(func() {
		switch m.state {
		case common.StateSnoozing:
			m.pendingResume = true
		case common.StateSnoozed:
			m.resume()
		}
	})
}

// SetKillswitchMode changes the kill switch mode and reinstalls the policy.
func (m *Manager) SetKillswitchMode(ctx context.Context, mode common.KillswitchMode) error {
	return m.do(ctx, func() error {
		m.settings.Killswitch = mode
		common.LogInfo("Killswitch mode set to %s", mode)
		return m.reapply()
	})
}

// SetAllowLAN toggles LAN access while the kill switch blocks.
func (m *Manager) SetAllowLAN(ctx context.Context, allow bool) error {
	return m.do(ctx, func() error {
		m.settings.AllowLAN = allow
		return m.reapply()
	})
}

// SetAppRule stores a split tunnel rule and reinstalls the policy.
func (m *Manager) SetAppRule(ctx context.Context, rule splittunnel.AppRule) error {
	return m.do(ctx, func() error {
		if err := m.deps.Router.SetRule(rule); err != nil {
			return err
		}
		return m.reapply()
	})
}

// RemoveAppRule drops the rule for app. It reports whether one existed.
func (m *Manager) RemoveAppRule(ctx context.Context, app string) (bool, error) {
	var removed bool
	err := m.do(ctx, func() error {
		var err error
		if removed, err = m.deps.Router.RemoveRule(app); err != nil || !removed {
			return err
		}
		return m.reapply()
	})
	return removed, err
}

// AppRules returns the split tunnel rules.
func (m *Manager) AppRules() []splittunnel.AppRule {
	return m.deps.Router.CurrentRules()
}

// reapply reinstalls the policy after a settings change. An enforcement
// failure while connected ends the connection.
func (m *Manager) reapply() error {
	m.publishStatus()
	err := m.apply(m.ctx)
	if err == nil {
		return nil
	}
	if m.state == common.StateConnected {
		h := m.handle
		m.leaveConnected()
		m.handle = nil
		closeTunnel(h)
		m.fail(err)
		return err
	}
	m.raise(err)
	return err
}

// SetTransport replaces the transport settings. The next negotiation
// attempt uses them; a live tunnel is left alone and flagged as needing
// a reconnect.
func (m *Manager) SetTransport(ctx context.Context, cfg transport.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.do(ctx, func() error {
		m.setTransport(cfg)
		if m.handle != nil || m.state == common.StateSnoozing || m.state == common.StateSnoozed {
			m.reconnectNeeded = true
			m.publishStatus()
			m.publish(events.Event{Kind: events.ReconnectNeeded, RegionID: m.regionID(), Primary: cfg.Primary().String()})
		}
		return nil
	})
}

func (m *Manager) setTransport(cfg transport.Config) {
	m.mu.Lock()
	m.transport = cfg.Clone()
	m.mu.Unlock()
	m.publishStatus()
}

// Transport returns the current transport settings.
func (m *Manager) Transport() transport.Config {
	return m.currentTransport()
}

// RequestPortForward asks for a forwarded port on the connected region.
// Regions without support fail immediately with common.ErrNotSupported;
// otherwise the result arrives as a PortForwarded or PortForwardFailed event.
func (m *Manager) RequestPortForward(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.state != common.StateConnected || m.handle == nil {
			return invalidState("port forward", m.state)
		}
		if m.pf == nil {
			return fmt.Errorf("%w: port forwarding disabled", common.ErrNotSupported)
		}
		if !m.handle.Region.SupportsPortForward {
			err := fmt.Errorf("%w: %s", common.ErrNotSupported, m.handle.Region.ID)
			m.publish(events.Event{
				Kind:      events.PortForwardFailed,
				RegionID:  m.handle.Region.ID,
				ErrorKind: common.KindOf(err),
				Message:   err.Error(),
			})
			return err
		}
		if port, ok := m.pf.Current(); ok {
			m.publishPort(port)
			return nil
		}
		if m.pfAttempt == "" {
			m.startPortForward()
		}
		return nil
	})
}

func (m *Manager) startPortForward() {
	id := common.GenerateID()
	ctx, cancel := context.WithCancel(m.ctx)
	m.pfAttempt = id
	m.cancelPF = cancel
	r := m.handle.Region
	gateway := portforward.Gateway(r, m.settings.PortForward.Gateway)

	go func() {
		port, err := m.pf.Request(ctx, r, gateway)
		m.post(func() { m.onPortForward(id, port, err) })
	}()
}

func (m *Manager) onPortForward(id string, port portforward.ForwardedPort, err error) {
	if id != m.pfAttempt {
		return
	}
	m.pfAttempt = ""
	m.cancelPF = nil

	if err != nil {
		common.LogWarn("Port forward failed: %v", err)
		m.publish(events.Event{
			Kind:      events.PortForwardFailed,
			RegionID:  m.regionID(),
			ErrorKind: common.KindOf(err),
			Message:   err.Error(),
		})
		return
	}
	m.publishStatus()
	m.publishPort(port)
}

func (m *Manager) publishPort(port portforward.ForwardedPort) {
	m.publish(events.Event{
		Kind:        events.PortForwarded,
		RegionID:    m.regionID(),
		Port:        port.Port,
		LeaseExpiry: port.LeaseExpiry,
	})
}

// onPortForwardUpdate is called from the renewal goroutine, which Release
// waits for; it must not block on the Run goroutine.
func (m *Manager) onPortForwardUpdate(u portforward.Update) {
	go m.post(func() {
		if m.state != common.StateConnected {
			return
		}
		m.publishStatus()
		if u.Kind == portforward.Lost {
			m.publish(events.Event{
				Kind:      events.PortForwardLost,
				RegionID:  m.regionID(),
				Port:      u.Port.Port,
				ErrorKind: common.KindOf(u.Err),
				Message:   u.Err.Error(),
			})
		}
	})
}

func (m *Manager) stopPortForward() {
	if m.cancelPF != nil {
		m.cancelPF()
		m.cancelPF = nil
	}
	m.pfAttempt = ""
	if m.pf != nil {
		m.pf.Release()
	}
}

func (m *Manager) onLatency(res region.Result) {
	if res.Err != nil {
		m.deps.Catalog.UpdateLatency(res.RegionID, nil)
		return
	}
	if !m.deps.Catalog.UpdateLatency(res.RegionID, res.LatencyMs) || res.LatencyMs == nil {
		return
	}
	m.publish(events.Event{Kind: events.RegionLatencyUpdated, RegionID: res.RegionID, LatencyMs: *res.LatencyMs})
}

// SetRegions replaces the region catalog.
func (m *Manager) SetRegions(ctx context.Context, regions []region.Region) error {
	return m.do(ctx, func() error {
		if err := m.deps.Catalog.Replace(regions); err != nil {
			return err
		}
		if m.deps.Probe == nil {
			return nil
		}
		return m.reapply()
	})
}

// SetFavorite marks a region as favorite.
func (m *Manager) SetFavorite(ctx context.Context, id string, favorite bool) error {
	return m.do(ctx, func() error {
		if _, err := m.deps.Catalog.Get(id); err != nil {
			return err
		}
		m.deps.Catalog.SetFavorite(id, favorite)
		return nil
	})
}
