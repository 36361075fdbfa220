// Package tui renders a live view of the daemon status in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/events"
	"github.com/yllada/vpn-orchestrator/vpn"
)

const (
	maxRecent      = 5
	refreshEvery   = time.Second
	commandTimeout = 10 * time.Second
)

// Controller is the subset of the control client the view drives.
type Controller interface {
	Status(ctx context.Context) (vpn.Status, error)
	AdjustSnooze(ctx context.Context, steps int) (time.Duration, error)
	Resume(ctx context.Context) (vpn.Status, error)
	Disconnect(ctx context.Context) (vpn.Status, error)
}

type (
	eventMsg     events.Event
	streamEndMsg struct{}
	statusMsg    struct {
		status vpn.Status
		err    error
	}
	tickMsg time.Time
)

// Model is the Bubble Tea model for the status view.
type Model struct {
	ctl    Controller
	stream <-chan events.Event

	status  vpn.Status
	err     error
	recent  []string
	spinner spinner.Model
	help    help.Model
	keys    keyMap

	width    int
	quitting bool
}

// NewModel creates a model showing initial and following stream.
func NewModel(ctl Controller, initial vpn.Status, stream <-chan events.Event) Model {
	return Model{
		ctl:     ctl,
		stream:  stream,
		status:  initial,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		help:    help.New(),
		keys:    defaultKeyMap,
	}
}

// Status returns the status currently displayed.
func (m Model) Status() vpn.Status {
	return m.status
}

// Init starts the spinner, the event pump and the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.stream), tick())
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.More):
			return m, m.adjust(1)
		case key.Matches(msg, m.keys.Less):
			return m, m.adjust(-1)
		case key.Matches(msg, m.keys.Resume):
			return m, m.run(func(ctx context.Context) (vpn.Status, error) { return m.ctl.Resume(ctx) })
		case key.Matches(msg, m.keys.Disconnect):
			return m, m.run(func(ctx context.Context) (vpn.Status, error) { return m.ctl.Disconnect(ctx) })
		}
		return m, nil

	case eventMsg:
		m.apply(events.Event(msg))
		return m, waitForEvent(m.stream)

	case streamEndMsg:
		m.err = fmt.Errorf("event stream closed")
		return m, nil

	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.status = msg.status
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// apply folds an event into the displayed status so the view moves
// between refreshes.
func (m *Model) apply(e events.Event) {
	switch e.Kind {
	case events.StateChanged:
		m.status.State = e.State
		m.status.Since = e.Time
		if e.RegionID != "" {
			m.status.Region = e.RegionID
		}
		if e.State != common.StateConnected {
			m.status.ForwardedPort = nil
		}
	case events.TransportFallbackUsed:
		m.status.Effective = e.Effective
		m.status.FellBack = true
	case events.SnoozeTick:
		m.status.SnoozeRemaining = e.Remaining
	case events.ReconnectNeeded:
		m.status.ReconnectNeeded = true
	case events.Error:
		m.status.LastError = e.Message
		m.status.LastErrorKind = e.ErrorKind
	case events.RegionLatencyUpdated:
		return
	}
	m.recent = append(m.recent, describe(e))
	if len(m.recent) > maxRecent {
		m.recent = m.recent[len(m.recent)-maxRecent:]
	}
}

func describe(e events.Event) string {
	ts := e.Time.Format("15:04:05")
	switch e.Kind {
	case events.StateChanged:
		return fmt.Sprintf("%s  %s -> %s", ts, e.Previous, e.State)
	case events.TransportFallbackUsed:
		return fmt.Sprintf("%s  fell back from %s to %s", ts, e.Primary, e.Effective)
	case events.PortForwarded:
		return fmt.Sprintf("%s  forwarded port %d", ts, e.Port)
	case events.SnoozeTick:
		return fmt.Sprintf("%s  resuming in %s", ts, formatDuration(e.Remaining))
	default:
		if e.Message != "" {
			return fmt.Sprintf("%s  %s: %s", ts, e.Kind, e.Message)
		}
		return fmt.Sprintf("%s  %s", ts, e.Kind)
	}
}

func (m Model) adjust(steps int) tea.Cmd {
	if m.ctl == nil {
		return nil
	}
	ctl := m.ctl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if _, err := ctl.AdjustSnooze(ctx, steps); err != nil {
			return statusMsg{err: err}
		}
		st, err := ctl.Status(ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m Model) run(fn func(ctx context.Context) (vpn.Status, error)) tea.Cmd {
	if m.ctl == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		st, err := fn(ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m Model) refresh() tea.Cmd {
	return m.run(func(ctx context.Context) (vpn.Status, error) { return m.ctl.Status(ctx) })
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return streamEndMsg{}
		}
		return eventMsg(e)
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func transitional(s common.ConnectionState) bool {
	switch s {
	case common.StateConnecting, common.StateReconnecting, common.StateDisconnecting,
		common.StateSnoozing, common.StateResuming:
		return true
	}
	return false
}

func (m Model) stateView() string {
	s := m.status.State
	switch {
	case transitional(s):
		return m.spinner.View() + " " + warnStyle.Render(s.String())
	case s == common.StateConnected:
		return goodStyle.Render("● " + s.String())
	case s == common.StateError:
		return badStyle.Render("● " + s.String())
	default:
		return dimStyle.Render("○ ") + valueStyle.Render(s.String())
	}
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value) + "\n"
}

// View renders the model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	st := m.status

	var sb strings.Builder
	sb.WriteString(headerStyle.Render(common.AppName) + "\n\n")
	sb.WriteString(labelStyle.Render("State") + m.stateView() + "\n")
	if st.Region != "" {
		sb.WriteString(row("Region", st.Region))
	}

	transportLine := st.Transport
	if st.Effective != "" && st.Effective != st.Transport {
		transportLine = fmt.Sprintf("%s (using %s)", st.Transport, st.Effective)
	}
	sb.WriteString(row("Transport", transportLine))

	ks := st.Killswitch.String()
	if st.Killswitch != common.KillswitchOff && st.AllowLAN {
		ks += ", LAN allowed"
	}
	if st.KillswitchActive {
		ks += " (blocking)"
	}
	sb.WriteString(row("Kill switch", ks))

	if st.ForwardedPort != nil {
		sb.WriteString(row("Forwarded", fmt.Sprintf("%d", st.ForwardedPort.Port)))
	}
	if st.SnoozeRemaining > 0 {
		sb.WriteString(row("Resumes in", formatDuration(st.SnoozeRemaining)))
	}
	if st.Health != "" {
		sb.WriteString(row("Health", st.Health))
	}
	if st.ReconnectNeeded {
		sb.WriteString(warnStyle.Render("Reconnect to apply the new connection settings") + "\n")
	}
	if st.LastError != "" {
		sb.WriteString(badStyle.Render("Error: "+st.LastError) + "\n")
	}

	body := sb.String()
	if len(m.recent) > 0 {
		body += "\n" + dimStyle.Render(strings.Join(m.recent, "\n"))
	}
	if m.err != nil {
		body += "\n" + badStyle.Render(m.err.Error())
	}

	box := borderStyle
	if m.width > 4 {
		box = box.Width(m.width - 2)
	}
	return box.Render(strings.TrimRight(body, "\n")) + "\n" + m.help.View(m.keys) + "\n"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
