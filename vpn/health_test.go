package vpn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestHealthState_String(t *testing.T) {
	tests := []struct {
		state    HealthState
		expected string
	}{
		{HealthHealthy, "Healthy"},
		{HealthDegraded, "Degraded"},
		{HealthUnhealthy, "Unhealthy"},
		{HealthUnknown, "Unknown"},
		{HealthState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("HealthState.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDefaultHealthConfig(t *testing.T) {
	config := DefaultHealthConfig()

	if config.CheckInterval != 30*time.Second {
		t.Errorf("CheckInterval = %v, want 30s", config.CheckInterval)
	}

	if config.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %v, want 3", config.FailureThreshold)
	}

	if config.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout = %v, want 5s", config.DialTimeout)
	}

	if len(config.TestHosts) == 0 {
		t.Error("TestHosts should not be empty")
	}
}

func fastChecker(probe ProbeFunc) *HealthChecker {
	hc := NewHealthChecker(HealthConfig{
		CheckInterval:    5 * time.Millisecond,
		FailureThreshold: 3,
		DialTimeout:      time.Second,
		TestHosts:        []string{"a:53", "b:53"},
	})
	hc.SetProbe(probe)
	return hc
}

func TestHealthChecker_StartStop(t *testing.T) {
	hc := fastChecker(func(context.Context, string, string) error { return nil })

	if hc.IsRunning() {
		t.Error("HealthChecker should not be running initially")
	}

	hc.Start("tun0", nil)
	if !hc.IsRunning() {
		t.Error("HealthChecker should be running after Start()")
	}

	deadline := time.Now().Add(2 * time.Second)
	for hc.GetHealth().State != HealthHealthy && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := hc.GetHealth(); got.State != HealthHealthy || got.Interface != "tun0" {
		t.Errorf("GetHealth() = %+v, want healthy on tun0", got)
	}

	hc.Stop()
	hc.Stop()
	if hc.IsRunning() {
		t.Error("HealthChecker should not be running after Stop()")
	}
}

func TestHealthChecker_LinkLostAfterThreshold(t *testing.T) {
	var probes atomic.Int32
	hc := fastChecker(func(_ context.Context, iface, _ string) error {
		if iface != "tun7" {
			t.Errorf("probe on %q, want tun7", iface)
		}
		probes.Add(1)
		return errors.New("timeout")
	})

	lost := make(chan struct{}, 2)
	hc.Start("tun7", func() { lost <- struct{}{} })
	defer hc.Stop()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("link loss not reported")
	}

	// Two hosts per round, three rounds.
	if got := probes.Load(); got != 6 {
		t.Errorf("probes = %d, want 6", got)
	}
	if got := hc.GetHealth(); got.State != HealthUnhealthy || got.ConsecutiveFails != 3 {
		t.Errorf("GetHealth() = %+v, want unhealthy after 3 failures", got)
	}

	time.Sleep(30 * time.Millisecond)
	if len(lost) != 0 {
		t.Error("link loss reported more than once")
	}
}

func TestHealthChecker_RecoveryResetsFailures(t *testing.T) {
	var calls atomic.Int32
	hc := fastChecker(func(context.Context, string, string) error {
		// The first host always fails; the second answers every other round.
		n := calls.Add(1)
		if n%4 == 0 {
			return nil
		}
		return errors.New("refused")
	})

	var lost atomic.Bool
	hc.Start("tun0", func() { lost.Store(true) })
	time.Sleep(60 * time.Millisecond)
	hc.Stop()

	if lost.Load() {
		t.Error("link reported lost although probes recovered")
	}
}

func TestHealthChecker_HealthChangeCallback(t *testing.T) {
	hc := fastChecker(func(context.Context, string, string) error { return nil })

	changes := make(chan HealthState, 4)
	hc.SetOnHealthChange(func(_, newState HealthState) { changes <- newState })
	hc.Start("tun0", nil)
	defer hc.Stop()

	select {
	case s := <-changes:
		if s != HealthHealthy {
			t.Errorf("first change = %v, want Healthy", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no health change reported")
	}
}

func TestHealthChecker_UpdateConfig(t *testing.T) {
	hc := NewHealthChecker(DefaultHealthConfig())

	newConfig := HealthConfig{
		CheckInterval:    60 * time.Second,
		FailureThreshold: 0,
	}

	hc.UpdateConfig(newConfig)

	if hc.config.CheckInterval != 60*time.Second {
		t.Error("UpdateConfig should update CheckInterval")
	}

	if hc.config.FailureThreshold != 1 {
		t.Errorf("FailureThreshold = %d, want the minimum of 1", hc.config.FailureThreshold)
	}
}
