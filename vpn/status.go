package vpn

import (
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/portforward"
)

// Status is a snapshot of the Manager for collaborators.
type Status struct {
	State common.ConnectionState `json:"state"`
	Since time.Time              `json:"since"`
	// Requested is the region asked for, possibly "auto".
	Requested string `json:"requested,omitempty"`
	Region    string `json:"region,omitempty"`
	// Transport is the settings' primary endpoint; Effective is what the
	// live tunnel actually uses.
	Transport       string                     `json:"transport"`
	Effective       string                     `json:"effective,omitempty"`
	FellBack        bool                       `json:"fell_back"`
	ForwardedPort   *portforward.ForwardedPort `json:"forwarded_port,omitempty"`
	SnoozeRemaining time.Duration              `json:"snooze_remaining,omitempty"`
	Killswitch      common.KillswitchMode      `json:"killswitch"`
	AllowLAN        bool                       `json:"allow_lan"`
	// KillswitchActive reports whether non-tunnel traffic is currently blocked.
	KillswitchActive bool             `json:"killswitch_active"`
	ReconnectNeeded  bool             `json:"reconnect_needed"`
	LastError        string           `json:"last_error,omitempty"`
	LastErrorKind    common.ErrorKind `json:"last_error_kind,omitempty"`
	Health           string           `json:"health,omitempty"`
}

// Status returns the latest snapshot. It is safe to call from any goroutine.
func (m *Manager) Status() Status {
	m.mu.RLock()
	s := m.status
	m.mu.RUnlock()

	if t := m.snoozer.Timer(); t.Running {
		s.SnoozeRemaining = t.Remaining
	}
	if s.State == common.StateConnected {
		if m.pf != nil {
			if port, ok := m.pf.Current(); ok {
				s.ForwardedPort = &port
			}
		}
		if m.health != nil && m.health.IsRunning() {
			s.Health = m.health.GetHealth().State.String()
		}
	}
	return s
}

// State returns the current connection state.
func (m *Manager) State() common.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.State
}

// publishStatus refreshes the snapshot from Run-goroutine state.
func (m *Manager) publishStatus() {
	s := Status{
		State:            m.state,
		Since:            m.since,
		Requested:        m.requested,
		Region:           m.regionID(),
		Killswitch:       m.settings.Killswitch,
		AllowLAN:         m.settings.AllowLAN,
		KillswitchActive: m.settings.Killswitch.Blocks(m.state),
		ReconnectNeeded:  m.reconnectNeeded,
	}
	if m.handle != nil {
		s.Effective = m.handle.Effective.String()
		s.FellBack = m.handle.FellBack()
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
		s.LastErrorKind = common.KindOf(m.lastErr)
	}

	m.mu.Lock()
	s.Transport = m.transport.Primary().String()
	m.status = s
	m.mu.Unlock()
}
