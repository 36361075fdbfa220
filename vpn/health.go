// Package vpn provides VPN connection management functionality.
// This file contains the HealthChecker, which probes the live tunnel and
// reports link loss to the Manager.
package vpn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// HealthState represents the current health state of a connection.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often to check connection health.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures mean the link is lost.
	FailureThreshold int
	// DialTimeout bounds a single probe.
	DialTimeout time.Duration
	// TestHosts are dialed through the tunnel; one answer is enough.
	TestHosts []string
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:    30 * time.Second,
		FailureThreshold: 3,
		DialTimeout:      5 * time.Second,
		TestHosts: []string{
			"8.8.8.8:53",        // Google DNS
			"1.1.1.1:53",        // Cloudflare DNS
			"208.67.222.222:53", // OpenDNS
		},
	}
}

// ConnectionHealth tracks the health of the current tunnel.
type ConnectionHealth struct {
	Interface        string
	State            HealthState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	Latency          time.Duration
}

// ProbeFunc dials host through iface.
type ProbeFunc func(ctx context.Context, iface, host string) error

// HealthChecker monitors the tunnel while connected. It never changes
// connection state itself: crossing the failure threshold calls the
// onLinkLost callback given to Start, once per Start.
type HealthChecker struct {
	mu             sync.RWMutex
	config         HealthConfig
	probe          ProbeFunc
	running        bool
	stopChan       chan struct{}
	health         ConnectionHealth
	onHealthChange func(oldState, newState HealthState)
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(config HealthConfig) *HealthChecker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	return &HealthChecker{
		config: config,
		probe:  dialThrough(config.DialTimeout),
	}
}

// SetProbe replaces the connectivity test.
func (hc *HealthChecker) SetProbe(probe ProbeFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.probe = probe
}

// SetOnHealthChange sets a callback for health state changes.
func (hc *HealthChecker) SetOnHealthChange(callback func(oldState, newState HealthState)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onHealthChange = callback
}

// Start begins checking iface. A running check is replaced.
func (hc *HealthChecker) Start(iface string, onLinkLost func()) {
	hc.mu.Lock()
	if hc.running {
		close(hc.stopChan)
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	hc.health = ConnectionHealth{Interface: iface, State: HealthUnknown}
	stop := hc.stopChan
	interval := hc.config.CheckInterval
	hc.mu.Unlock()

	common.LogInfo("Health checker started on %s (interval: %v)", iface, interval)

	go hc.runLoop(stop, iface, interval, onLinkLost)
}

// Stop stops the health checking loop. It does not wait for an in-flight
// probe to finish.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopChan)
	hc.mu.Unlock()

	common.LogInfo("Health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.running
}

// GetHealth returns a copy of the current health record.
func (hc *HealthChecker) GetHealth() ConnectionHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.health
}

// runLoop is the main health checking loop.
func (hc *HealthChecker) runLoop(stop chan struct{}, iface string, interval time.Duration, onLinkLost func()) {
	if interval <= 0 {
		interval = DefaultHealthConfig().CheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if hc.check(stop, iface) {
				if onLinkLost != nil {
					onLinkLost()
				}
				return
			}
		}
	}
}

// check performs one round and reports whether the link is lost.
func (hc *HealthChecker) check(stop chan struct{}, iface string) bool {
	latency, err := hc.testConnectivity(iface)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	// Stopped or restarted while probing.
	select {
	case <-stop:
		return false
	default:
	}

	health := &hc.health
	health.LastCheck = time.Now()
	oldState := health.State

	if err != nil {
		health.ConsecutiveFails++
		health.Latency = 0
		common.LogWarn("Health check failed on %s (attempt %d/%d): %v",
			iface, health.ConsecutiveFails, hc.config.FailureThreshold, err)

		if health.ConsecutiveFails >= hc.config.FailureThreshold {
			health.State = HealthUnhealthy
		} else {
			health.State = HealthDegraded
		}
	} else {
		health.ConsecutiveFails = 0
		health.LastSuccess = time.Now()
		health.Latency = latency
		health.State = HealthHealthy
	}

	if oldState != health.State {
		common.LogInfo("Health state changed on %s: %s -> %s", iface, oldState, health.State)
		if hc.onHealthChange != nil {
			go hc.onHealthChange(oldState, health.State)
		}
	}
	return health.State == HealthUnhealthy
}

// testConnectivity tests network connectivity through the VPN tunnel.
// Returns latency and error.
func (hc *HealthChecker) testConnectivity(iface string) (time.Duration, error) {
	hc.mu.RLock()
	hosts := hc.config.TestHosts
	probe := hc.probe
	timeout := hc.config.DialTimeout
	hc.mu.RUnlock()

	var lastErr error
	for _, host := range hosts {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		start := time.Now()
		err := probe(ctx, iface, host)
		cancel()
		if err == nil {
			return time.Since(start), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no test hosts configured")
	}
	return 0, fmt.Errorf("%w: %w", common.ErrConnectivity, lastErr)
}

// UpdateConfig updates the health checker configuration.
// It applies from the next Start.
func (hc *HealthChecker) UpdateConfig(config HealthConfig) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	hc.config = config
}

func dialThrough(timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, iface, host string) error {
		d := net.Dialer{Timeout: timeout, Control: bindToDevice(iface)}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
