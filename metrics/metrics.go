// Package metrics exposes orchestrator state for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/events"
	"github.com/yllada/vpn-orchestrator/firewall"
)

var allStates = []common.ConnectionState{
	common.StateDisconnected,
	common.StateConnecting,
	common.StateConnected,
	common.StateReconnecting,
	common.StateDisconnecting,
	common.StateSnoozing,
	common.StateSnoozed,
	common.StateResuming,
	common.StateError,
}

// Metrics holds every collector on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	State             *prometheus.GaugeVec
	Transitions       *prometheus.CounterVec
	TableCommits      *prometheus.CounterVec
	TableRevision     prometheus.Gauge
	TransportFallback prometheus.Counter
	Errors            *prometheus.CounterVec
	PortForward       *prometheus.CounterVec
	ForwardedPort     prometheus.Gauge
	RegionLatency     *prometheus.GaugeVec
	SnoozeRemaining   prometheus.Gauge
}

// New creates the collectors and registers them with the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vpn_connection_state",
				Help: "1 for the current connection state, 0 otherwise.",
			},
			[]string{"state"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vpn_state_transitions_total",
				Help: "Total number of connection state transitions.",
			},
			[]string{"from", "to"},
		),
		TableCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vpn_firewall_commits_total",
				Help: "Total number of firewall table commits.",
			},
			// Common result values: "ok", "stale", "error"
			[]string{"section", "result"},
		),
		TableRevision: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vpn_firewall_revision",
				Help: "Revision of the installed firewall program.",
			},
		),
		TransportFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vpn_transport_fallback_total",
				Help: "Total number of connections that used the alternate transport.",
			},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vpn_errors_total",
				Help: "Total number of raised errors by kind.",
			},
			[]string{"kind"},
		),
		PortForward: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vpn_port_forward_events_total",
				Help: "Total number of port forward outcomes.",
			},
			[]string{"result"},
		),
		ForwardedPort: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vpn_forwarded_port",
				Help: "Currently forwarded port, 0 when none.",
			},
		),
		RegionLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vpn_region_latency_milliseconds",
				Help: "Last measured latency per region.",
			},
			[]string{"region"},
		),
		SnoozeRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vpn_snooze_remaining_seconds",
				Help: "Seconds until a snoozed connection resumes.",
			},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.State,
		m.Transitions,
		m.TableCommits,
		m.TableRevision,
		m.TransportFallback,
		m.Errors,
		m.PortForward,
		m.ForwardedPort,
		m.RegionLatency,
		m.SnoozeRemaining,
	)
	m.setState(common.StateDisconnected)
	return m
}

// RegisterBus exports the bus drop counter.
func (m *Metrics) RegisterBus(bus *events.Bus) {
	m.Registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "vpn_events_dropped_total",
			Help: "Total number of events a full subscriber missed.",
		},
		func() float64 { return float64(bus.Dropped()) },
	))
}

// ObserveCommit is a firewall.CommitFunc.
func (m *Metrics) ObserveCommit(s firewall.Section, revision uint64, err error) {
	result := "ok"
	switch {
	case err == nil:
		m.TableRevision.Set(float64(revision))
	case errors.Is(err, common.ErrStaleRevision):
		result = "stale"
	default:
		result = "error"
	}
	m.TableCommits.WithLabelValues(s.String(), result).Inc()
}

func (m *Metrics) setState(s common.ConnectionState) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.State.WithLabelValues(st.String()).Set(v)
	}
}

// Observe updates collectors from a single event.
func (m *Metrics) Observe(e events.Event) {
	switch e.Kind {
	case events.StateChanged:
		m.setState(e.State)
		m.Transitions.WithLabelValues(e.Previous.String(), e.State.String()).Inc()
		if e.State != common.StateConnected {
			m.ForwardedPort.Set(0)
		}
		if e.State != common.StateSnoozed && e.State != common.StateSnoozing {
			m.SnoozeRemaining.Set(0)
		}
	case events.TransportFallbackUsed:
		m.TransportFallback.Inc()
	case events.RegionLatencyUpdated:
		m.RegionLatency.WithLabelValues(e.RegionID).Set(float64(e.LatencyMs))
	case events.PortForwarded:
		m.PortForward.WithLabelValues("forwarded").Inc()
		m.ForwardedPort.Set(float64(e.Port))
	case events.PortForwardFailed:
		m.PortForward.WithLabelValues("failed").Inc()
	case events.PortForwardLost:
		m.PortForward.WithLabelValues("lost").Inc()
		m.ForwardedPort.Set(0)
	case events.SnoozeTick:
		m.SnoozeRemaining.Set(e.Remaining.Seconds())
	case events.Error:
		m.Errors.WithLabelValues(string(e.ErrorKind)).Inc()
	}
}

// Watch observes bus events until ctx ends or the bus closes.
func (m *Metrics) Watch(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
