package killswitch

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/firewall"
)

func TestEnforcer_WritesOnlyFilterSection(t *testing.T) {
	mem := firewall.NewMemoryBackend()
	table := firewall.NewTable(mem)
	ctx := context.Background()

	routing := []firewall.Rule{{Verdict: firewall.Direct, Comment: "router"}}
	require.NoError(t, table.Replace(ctx, firewall.RoutingSection, routing))

	e := New(table)
	in := firewall.Input{Mode: common.KillswitchAlways, State: common.StateDisconnected}
	require.NoError(t, e.Apply(ctx, in))
	assert.True(t, e.Active())

	p, _ := table.Snapshot()
	assert.Equal(t, routing, p.Routing)
	assert.Equal(t, firewall.FilterFor(in), p.Filter)

	d := p.Decide(firewall.Flow{App: "/usr/bin/firefox", Dest: netip.MustParseAddr("93.184.216.34")})
	assert.False(t, d.Allowed)
}

func TestEnforcer_AutoInactiveWhenDisconnected(t *testing.T) {
	e := New(firewall.NewTable(firewall.NewMemoryBackend()))
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, firewall.Input{Mode: common.KillswitchAuto, State: common.StateDisconnected}))
	assert.False(t, e.Active())

	require.NoError(t, e.Apply(ctx, firewall.Input{Mode: common.KillswitchAuto, State: common.StateReconnecting}))
	assert.True(t, e.Active())
}

func TestEnforcer_FailureIsEnforcementError(t *testing.T) {
	mem := firewall.NewMemoryBackend()
	e := New(firewall.NewTable(mem))
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, firewall.Input{Mode: common.KillswitchAlways}))

	mem.FailWith(func(firewall.Program) error { return errors.New("xtables lock held") })
	err := e.Apply(ctx, firewall.Input{Mode: common.KillswitchOff})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrEnforcement)
	assert.ErrorIs(t, e.LastError(), common.ErrEnforcement)
	assert.True(t, e.Active(), "previous policy stays in effect")
}
