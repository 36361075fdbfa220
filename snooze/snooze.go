// Package snooze implements the countdown behind a temporary disconnect.
package snooze

import (
	"fmt"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// Timer is a point-in-time view of the countdown.
type Timer struct {
	Remaining time.Duration `json:"remaining"`
	Running   bool          `json:"running"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLimits sets the bounds every duration is clamped to.
func WithLimits(min, max time.Duration) Option {
	return func(s *Scheduler) {
		s.min = min
		s.max = max
	}
}

// WithTick sets the countdown granularity.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// Scheduler runs at most one countdown. onTick receives the remaining time
// at every tick; onExpire runs once when the countdown reaches zero. Both
// are called from the scheduler goroutine without locks held.
type Scheduler struct {
	min, max time.Duration
	tick     time.Duration
	onTick   func(time.Duration)
	onExpire func()

	mu       sync.Mutex
	running  bool
	deadline time.Time
	gen      uint64
	stop     chan struct{}
	wake     chan struct{}
}

// New creates an idle Scheduler.
func New(onTick func(time.Duration), onExpire func(), opts ...Option) *Scheduler {
	s := &Scheduler{
		min:      common.MinSnooze,
		max:      common.MaxSnooze,
		tick:     common.SnoozeTick,
		onTick:   onTick,
		onExpire: onExpire,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.onTick == nil {
		s.onTick = func(time.Duration) {}
	}
	if s.onExpire == nil {
		s.onExpire = func() {}
	}
	if s.max < s.min {
		s.max = s.min
	}
	return s
}

// Clamp bounds d to the configured limits.
func (s *Scheduler) Clamp(d time.Duration) time.Duration {
	if d < s.min {
		return s.min
	}
	if d > s.max {
		return s.max
	}
	return d
}

// Start begins a countdown of d (clamped), replacing any running one.
// It returns the effective duration.
func (s *Scheduler) Start(d time.Duration) time.Duration {
	d = s.Clamp(d)

	s.mu.Lock()
	s.cancelLocked()
	s.gen++
	s.running = true
	s.deadline = time.Now().Add(d)
	s.stop = make(chan struct{})
	s.wake = make(chan struct{}, 1)
	gen, stop, wake := s.gen, s.stop, s.wake
	s.mu.Unlock()

	go s.run(gen, stop, wake)
	return d
}

// Adjust moves the deadline by delta. The new remaining time is clamped;
// the countdown itself keeps running.
func (s *Scheduler) Adjust(delta time.Duration) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, fmt.Errorf("%w: no snooze running", common.ErrInvalidState)
	}

	remaining := s.Clamp(time.Until(s.deadline) + delta)
	s.deadline = time.Now().Add(remaining)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return remaining, nil
}

// Cancel stops the countdown without firing onExpire. It reports whether
// one was running.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.running
	s.cancelLocked()
	return was
}

func (s *Scheduler) cancelLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.running = false
	s.deadline = time.Time{}
}

// Remaining returns the time left, or zero when idle.
func (s *Scheduler) Remaining() time.Duration {
	return s.Timer().Remaining
}

// Timer returns the current countdown view.
func (s *Scheduler) Timer() Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Timer{}
	}
	remaining := time.Until(s.deadline)
	if remaining < 0 {
		remaining = 0
	}
	return Timer{Remaining: remaining, Running: true}
}

func (s *Scheduler) run(gen uint64, stop, wake chan struct{}) {
	for {
		s.mu.Lock()
		if s.gen != gen || !s.running {
			s.mu.Unlock()
			return
		}
		remaining := time.Until(s.deadline)
		if remaining <= 0 {
			s.running = false
			s.stop = nil
			s.mu.Unlock()
			s.onExpire()
			return
		}
		s.mu.Unlock()

		wait := s.tick
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
			if r := s.Remaining(); r > 0 {
				s.onTick(r)
			}
		}
	}
}
