// Package portforward leases an inbound port from the VPN server and keeps
// the lease alive while connected.
package portforward

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/region"
)

// ForwardedPort is an active lease.
type ForwardedPort struct {
	Port        uint16    `json:"port"`
	LeaseExpiry time.Time `json:"lease_expiry"`
}

// Lease is a ForwardedPort plus the opaque proof needed to renew it.
type Lease struct {
	ForwardedPort
	Payload   string
	Signature string
}

// Requester talks to the port forward API.
type Requester interface {
	// Request obtains a new lease.
	Request(ctx context.Context, r region.Region, gateway string) (Lease, error)
	// Renew extends lease and returns the updated lease.
	Renew(ctx context.Context, gateway string, lease Lease) (Lease, error)
}

// UpdateKind classifies an Update.
type UpdateKind int

const (
	Renewed UpdateKind = iota
	Lost
)

// Update reports what happened to the lease in the background.
type Update struct {
	Kind UpdateKind
	Port ForwardedPort
	Err  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithRequestTimeout bounds every API call.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithRetry sets the attempts and initial backoff for transient failures.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(m *Manager) {
		m.attempts = attempts
		m.delay = delay
	}
}

// WithRenewMargin renews this long before the lease expires.
func WithRenewMargin(d time.Duration) Option {
	return func(m *Manager) { m.renewMargin = d }
}

// Manager holds at most one lease.
type Manager struct {
	requester   Requester
	notify      func(Update)
	timeout     time.Duration
	attempts    uint
	delay       time.Duration
	renewMargin time.Duration

	mu          sync.Mutex
	lease       *Lease
	stopRenewal context.CancelFunc
	renewalDone chan struct{}
}

// NewManager returns a Manager. notify receives background updates and is
// called from the renewal goroutine.
func NewManager(req Requester, notify func(Update), opts ...Option) *Manager {
	m := &Manager{
		requester:   req,
		notify:      notify,
		timeout:     common.PortForwardTimeout,
		attempts:    3,
		delay:       2 * time.Second,
		renewMargin: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.attempts == 0 {
		m.attempts = 1
	}
	if m.notify == nil {
		m.notify = func(Update) {}
	}
	return m
}

// Request obtains a lease for r through gateway. Regions without port
// forwarding fail with common.ErrNotSupported without contacting the API.
// If ctx is cancelled before the lease is installed it is discarded.
func (m *Manager) Request(ctx context.Context, r region.Region, gateway string) (ForwardedPort, error) {
	if !r.SupportsPortForward {
		return ForwardedPort{}, fmt.Errorf("%w: %s", common.ErrNotSupported, r.ID)
	}

	var lease Lease
	err := m.withRetry(ctx, "request", func(ctx context.Context) error {
		var err error
		lease, err = m.requester.Request(ctx, r, gateway)
		return err
	})
	if err != nil {
		return ForwardedPort{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return ForwardedPort{}, fmt.Errorf("%w: %w", common.ErrCancelled, err)
	}
	m.releaseLocked()
	m.lease = &lease

	renewCtx, cancel := context.WithCancel(context.Background())
	m.stopRenewal = cancel
	m.renewalDone = make(chan struct{})
	go m.renewLoop(renewCtx, gateway, lease, m.renewalDone)

	common.LogInfo("Port forward: leased port %d until %s", lease.Port, lease.LeaseExpiry.Format(time.RFC3339))
	return lease.ForwardedPort, nil
}

// withRetry runs fn with a per-call timeout, retrying transient failures.
func (m *Manager) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			return fn(callCtx)
		},
		retry.Context(ctx),
		retry.Attempts(m.attempts),
		retry.Delay(m.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, common.ErrNotSupported) && !errors.Is(err, common.ErrAuthentication)
		}),
		retry.OnRetry(func(n uint, err error) {
			common.LogWarn("Port forward: %s attempt %d failed: %v", op, n+1, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrNotSupported) || errors.Is(err, common.ErrPortForward) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", common.ErrCancelled, err)
	}
	return fmt.Errorf("%w: %s: %w", common.ErrPortForward, op, err)
}

func (m *Manager) renewLoop(ctx context.Context, gateway string, lease Lease, done chan struct{}) {
	defer close(done)

	for {
		wait := time.Until(lease.LeaseExpiry.Add(-m.renewMargin))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		var renewed Lease
		err := m.withRetry(ctx, "renew", func(ctx context.Context) error {
			var err error
			renewed, err = m.requester.Renew(ctx, gateway, lease)
			return err
		})
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		current := m.lease != nil && m.renewalDone == done
		if current {
			if err != nil {
				m.lease = nil
			} else {
				m.lease = &renewed
			}
		}
		m.mu.Unlock()
		if !current {
			return
		}

		if err != nil {
			common.LogWarn("Port forward: lease for port %d lost: %v", lease.Port, err)
			m.notify(Update{Kind: Lost, Port: lease.ForwardedPort, Err: fmt.Errorf("%w: %w", common.ErrForwardLost, err)})
			return
		}
		common.LogDebug("Port forward: renewed port %d until %s", renewed.Port, renewed.LeaseExpiry.Format(time.RFC3339))
		m.notify(Update{Kind: Renewed, Port: renewed.ForwardedPort})
		lease = renewed
	}
}

// Current returns the active lease, if any.
func (m *Manager) Current() (ForwardedPort, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lease == nil {
		return ForwardedPort{}, false
	}
	return m.lease.ForwardedPort, true
}

// Release drops the lease and stops renewal. It waits for the renewal
// goroutine to exit.
func (m *Manager) Release() {
	m.mu.Lock()
	done := m.releaseLocked()
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Manager) releaseLocked() chan struct{} {
	if m.stopRenewal != nil {
		m.stopRenewal()
	}
	done := m.renewalDone
	if m.lease != nil {
		common.LogInfo("Port forward: released port %d", m.lease.Port)
	}
	m.lease = nil
	m.stopRenewal = nil
	m.renewalDone = nil
	return done
}
