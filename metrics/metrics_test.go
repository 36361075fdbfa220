package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/events"
	"github.com/yllada/vpn-orchestrator/firewall"
)

func TestStateGauge(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("Disconnected")))

	m.Observe(events.Event{Kind: events.StateChanged, Previous: common.StateDisconnected, State: common.StateConnecting})
	m.Observe(events.Event{Kind: events.StateChanged, Previous: common.StateConnecting, State: common.StateConnected})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("Disconnected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("Connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("Connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("Connecting", "Connected")))
}

func TestObserveCommit(t *testing.T) {
	m := New()
	m.ObserveCommit(firewall.FilterSection, 3, nil)
	m.ObserveCommit(firewall.RoutingSection, 3, fmt.Errorf("%w: base 2", common.ErrStaleRevision))
	m.ObserveCommit(firewall.FilterSection, 3, errors.New("iptables exploded"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TableCommits.WithLabelValues("filter", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TableCommits.WithLabelValues("routing", "stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TableCommits.WithLabelValues("filter", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TableRevision))
}

func TestTableCommitHook(t *testing.T) {
	m := New()
	table := firewall.NewTable(firewall.NewMemoryBackend())
	table.OnCommit(m.ObserveCommit)

	require.NoError(t, table.Replace(context.Background(), firewall.FilterSection, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TableCommits.WithLabelValues("filter", "ok")))
}

func TestPortForwardAndFallback(t *testing.T) {
	m := New()
	m.Observe(events.Event{Kind: events.TransportFallbackUsed})
	m.Observe(events.Event{Kind: events.PortForwarded, Port: 47000})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportFallback))
	assert.Equal(t, 47000.0, testutil.ToFloat64(m.ForwardedPort))

	m.Observe(events.Event{Kind: events.PortForwardLost})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ForwardedPort))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PortForward.WithLabelValues("lost")))

	m.Observe(events.Event{Kind: events.Error, ErrorKind: common.KindAuthentication})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("authentication")))
}

func TestLatencyAndSnooze(t *testing.T) {
	m := New()
	m.Observe(events.Event{Kind: events.RegionLatencyUpdated, RegionID: "us-east", LatencyMs: 42})
	m.Observe(events.Event{Kind: events.SnoozeTick, Remaining: 90 * time.Second})
	assert.Equal(t, 42.0, testutil.ToFloat64(m.RegionLatency.WithLabelValues("us-east")))
	assert.Equal(t, 90.0, testutil.ToFloat64(m.SnoozeRemaining))

	m.Observe(events.Event{Kind: events.StateChanged, Previous: common.StateResuming, State: common.StateConnected})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SnoozeRemaining))
}

func TestWatchAndHandler(t *testing.T) {
	m := New()
	bus := events.NewBus()
	m.RegisterBus(bus)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(context.Background(), bus)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(events.Event{Kind: events.TransportFallbackUsed})
		return testutil.ToFloat64(m.TransportFallback) > 0
	}, time.Second, 10*time.Millisecond)
	bus.Close()
	<-done

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "vpn_transport_fallback_total"))
	assert.True(t, strings.Contains(string(body), "vpn_events_dropped_total"))
}
