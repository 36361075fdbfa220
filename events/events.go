// Package events carries notifications from the orchestrator to its
// collaborators (control server, notifier, TUI, metrics).
package events

import (
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// Kind identifies an event type.
type Kind string

const (
	StateChanged          Kind = "state_changed"
	TransportFallbackUsed Kind = "transport_fallback_used"
	RegionLatencyUpdated  Kind = "region_latency_updated"
	PortForwarded         Kind = "port_forwarded"
	PortForwardFailed     Kind = "port_forward_failed"
	PortForwardLost       Kind = "port_forward_lost"
	SnoozeTick            Kind = "snooze_tick"
	ReconnectNeeded       Kind = "reconnect_needed"
	Error                 Kind = "error"
)

// Event is a single notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind                   `json:"kind"`
	Time     time.Time              `json:"time"`
	State    common.ConnectionState `json:"state"`
	Previous common.ConnectionState `json:"previous"`
	RegionID string                 `json:"region_id,omitempty"`

	// RegionLatencyUpdated
	LatencyMs int64 `json:"latency_ms,omitempty"`

	// TransportFallbackUsed
	Primary   string `json:"primary,omitempty"`
	Effective string `json:"effective,omitempty"`

	// PortForwarded
	Port        uint16    `json:"port,omitempty"`
	LeaseExpiry time.Time `json:"lease_expiry"`

	// SnoozeTick
	Remaining time.Duration `json:"remaining,omitempty"`

	// Error, PortForwardFailed, PortForwardLost
	ErrorKind common.ErrorKind `json:"error_kind,omitempty"`
	Message   string           `json:"message,omitempty"`
}

const defaultBuffer = 64

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	dropped uint64
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a listener. The returned cancel func unregisters it
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers e to every subscriber. Time is filled in if unset.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close unregisters and closes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
