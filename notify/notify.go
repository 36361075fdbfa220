// Package notify turns orchestrator events into desktop notifications.
package notify

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/events"
)

// Type represents the severity of a notification.
type Type int

const (
	Info Type = iota
	Success
	Warning
	Error
)

// Notification is a single desktop notification.
type Notification struct {
	Title   string
	Message string
	Type    Type
	Icon    string
}

// Sender delivers notifications with severity. Notifiers that only
// implement common.Notifier lose the urgency hint.
type Sender interface {
	Send(n Notification) error
}

func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case Success:
		return "network-vpn"
	case Warning:
		return "dialog-warning"
	case Error:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// urgency maps to the freedesktop levels: 0 low, 1 normal, 2 critical.
func (n Notification) urgency() byte {
	switch n.Type {
	case Error:
		return 2
	case Warning:
		return 1
	default:
		return 0
	}
}

const (
	dbusDest      = "org.freedesktop.Notifications"
	dbusPath      = "/org/freedesktop/Notifications"
	dbusNotify    = dbusDest + ".Notify"
	expireDefault = int32(-1)
)

// DBusNotifier talks to the session notification daemon.
type DBusNotifier struct {
	conn    *dbus.Conn
	appName string
}

var (
	_ common.Notifier = (*DBusNotifier)(nil)
	_ Sender          = (*DBusNotifier)(nil)
)

// NewDBusNotifier connects to the session bus.
func NewDBusNotifier() (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}
	return &DBusNotifier{conn: conn, appName: common.AppName}, nil
}

// Send shows n.
func (d *DBusNotifier) Send(n Notification) error {
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(n.urgency()),
	}
	call := d.conn.Object(dbusDest, dbusPath).Call(dbusNotify, 0,
		d.appName, uint32(0), n.icon(), n.Title, n.Message, []string{}, hints, expireDefault)
	if call.Err != nil {
		return fmt.Errorf("sending notification: %w", call.Err)
	}
	return nil
}

// Notify sends an informational notification.
func (d *DBusNotifier) Notify(title, message string) error {
	return d.Send(Notification{Title: title, Message: message})
}

// NotifyWithIcon sends an informational notification with a custom icon.
func (d *DBusNotifier) NotifyWithIcon(title, message, icon string) error {
	return d.Send(Notification{Title: title, Message: message, Icon: icon})
}

// Close releases the bus connection.
func (d *DBusNotifier) Close() error {
	return d.conn.Close()
}

// FallbackDisclosure explains why the alternate transport was used.
func FallbackDisclosure(region, primary, effective string) string {
	if region == "" {
		region = "The server"
	}
	return fmt.Sprintf("%s could not be reached on %s, so %s was used instead.", region, primary, effective)
}

// For maps an event to the notification shown for it.
func For(e events.Event) (Notification, bool) {
	switch e.Kind {
	case events.StateChanged:
		switch e.State {
		case common.StateConnected:
			if e.Previous == common.StateResuming {
				return Notification{Title: "VPN Resumed", Message: "Reconnected to " + e.RegionID, Type: Success}, true
			}
			return Notification{Title: "VPN Connected", Message: "Connected to " + e.RegionID, Type: Success}, true
		case common.StateDisconnected:
			if e.Previous == common.StateDisconnecting {
				return Notification{Title: "VPN Disconnected", Message: "Disconnected", Icon: "network-vpn-disconnected"}, true
			}
		case common.StateReconnecting:
			return Notification{Title: "Connection Lost", Message: "Reconnecting to " + e.RegionID + "...", Type: Warning, Icon: "network-vpn-acquiring"}, true
		case common.StateSnoozed:
			return Notification{Title: "VPN Snoozed", Message: "The VPN will reconnect automatically", Icon: "network-vpn-disconnected"}, true
		}
	case events.TransportFallbackUsed:
		return Notification{
			Title:   "Alternate Settings Used",
			Message: FallbackDisclosure(e.RegionID, e.Primary, e.Effective),
			Type:    Warning,
		}, true
	case events.PortForwarded:
		return Notification{Title: "Port Forwarded", Message: fmt.Sprintf("Forwarded port %d", e.Port), Type: Success}, true
	case events.PortForwardFailed, events.PortForwardLost:
		return Notification{Title: "Port Forward Unavailable", Message: e.Message, Type: Warning}, true
	case events.ReconnectNeeded:
		return Notification{Title: "Reconnect Needed", Message: "Reconnect to apply the new connection settings"}, true
	case events.Error:
		return Notification{Title: "Connection Error", Message: e.Message, Type: Error, Icon: "network-vpn-error"}, true
	}
	return Notification{}, false
}

// Watch shows a notification for every relevant event until ctx ends or
// the bus closes.
func Watch(ctx context.Context, bus *events.Bus, n common.Notifier) {
	ch, cancel := bus.Subscribe(0)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			note, show := For(e)
			if !show {
				continue
			}
			if err := deliver(n, note); err != nil {
				common.LogWarn("Error showing notification: %v", err)
			}
		}
	}
}

func deliver(n common.Notifier, note Notification) error {
	if s, ok := n.(Sender); ok {
		return s.Send(note)
	}
	return n.NotifyWithIcon(note.Title, note.Message, note.icon())
}
