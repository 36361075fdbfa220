// Package killswitch enforces the filter section of the traffic policy:
// when active, nothing but the tunnel and its exemptions may leave the host.
package killswitch

import (
	"context"
	"sync"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/firewall"
)

// Enforcer writes the filter section of the shared table.
type Enforcer struct {
	table *firewall.Table

	mu      sync.Mutex
	active  bool
	applied bool
	lastErr error
}

// New returns an Enforcer writing to table.
func New(table *firewall.Table) *Enforcer {
	return &Enforcer{table: table}
}

// Apply installs the filter rules for in. Either the whole section is
// installed or the previous one stays; failures wrap common.ErrEnforcement.
func (e *Enforcer) Apply(ctx context.Context, in firewall.Input) error {
	rules := firewall.FilterFor(in)
	err := e.table.Replace(ctx, firewall.FilterSection, rules)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
	if err != nil {
		common.LogError("Killswitch: failed to apply %s policy in state %s: %v", in.Mode, in.State, err)
		return err
	}
	if !e.applied || e.active != in.Blocking() {
		common.LogInfo("Killswitch: %s mode, state %s, blocking=%v", in.Mode, in.State, in.Blocking())
	}
	e.active = in.Blocking()
	e.applied = true
	return nil
}

// Active reports whether the installed filter blocks non-tunnel traffic.
func (e *Enforcer) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// LastError returns the result of the most recent Apply.
func (e *Enforcer) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}
