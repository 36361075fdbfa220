package firewall

import (
	"context"
	"sync"
)

// MemoryBackend keeps the installed program in memory. It backs tests
// and hosts without a supported firewall.
type MemoryBackend struct {
	mu        sync.Mutex
	installed Program
	revision  uint64
	history   []Program
	failWith  func(Program) error
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Name() string { return "memory" }

// Install records p unless a failure was injected.
func (m *MemoryBackend) Install(_ context.Context, p Program, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		if err := m.failWith(p); err != nil {
			return err
		}
	}
	m.installed = p
	m.revision = revision
	m.history = append(m.history, p)
	return nil
}

// Flush drops the installed program.
func (m *MemoryBackend) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed = Program{}
	m.history = append(m.history, Program{})
	return nil
}

// Installed returns the current program and the revision it was installed at.
func (m *MemoryBackend) Installed() (Program, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed, m.revision
}

// History returns every installed program in order.
func (m *MemoryBackend) History() []Program {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Program(nil), m.history...)
}

// FailWith makes Install return fn's error. A nil fn clears the failure.
func (m *MemoryBackend) FailWith(fn func(Program) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = fn
}
