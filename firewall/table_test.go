package firewall

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
)

func TestTable_CommitAdvancesRevision(t *testing.T) {
	mem := NewMemoryBackend()
	table := NewTable(mem)
	ctx := context.Background()

	rules := FilterFor(inputFor(common.KillswitchAlways, common.StateDisconnected, false, nil))
	rev, err := table.Commit(ctx, FilterSection, rules, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	installed, installedRev := mem.Installed()
	assert.Equal(t, rules, installed.Filter)
	assert.Equal(t, uint64(1), installedRev)

	p, snapRev := table.Snapshot()
	assert.Equal(t, rules, p.Filter)
	assert.Equal(t, uint64(1), snapRev)
}

func TestTable_StaleRevisionRejected(t *testing.T) {
	table := NewTable(NewMemoryBackend())
	ctx := context.Background()

	_, err := table.Commit(ctx, FilterSection, []Rule{{Verdict: Block}}, 0)
	require.NoError(t, err)

	_, err = table.Commit(ctx, RoutingSection, []Rule{{Verdict: Direct}}, 0)
	assert.ErrorIs(t, err, common.ErrStaleRevision)

	p, rev := table.Snapshot()
	assert.Equal(t, uint64(1), rev)
	assert.Empty(t, p.Routing)
}

func TestTable_SectionsAreIndependent(t *testing.T) {
	table := NewTable(NewMemoryBackend())
	ctx := context.Background()

	require.NoError(t, table.Replace(ctx, FilterSection, []Rule{{Verdict: Block}}))
	require.NoError(t, table.Replace(ctx, RoutingSection, []Rule{{Verdict: Direct}}))

	p, rev := table.Snapshot()
	assert.Equal(t, []Rule{{Verdict: Block}}, p.Filter)
	assert.Equal(t, []Rule{{Verdict: Direct}}, p.Routing)
	assert.Equal(t, uint64(2), rev)
}

func TestTable_InstallFailureKeepsPreviousProgram(t *testing.T) {
	mem := NewMemoryBackend()
	table := NewTable(mem)
	ctx := context.Background()

	require.NoError(t, table.Replace(ctx, FilterSection, []Rule{{Verdict: Block}}))

	mem.FailWith(func(Program) error { return errors.New("iptables: resource busy") })
	err := table.Replace(ctx, FilterSection, []Rule{{Verdict: Allow}})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrEnforcement)

	p, rev := table.Snapshot()
	assert.Equal(t, []Rule{{Verdict: Block}}, p.Filter)
	assert.Equal(t, uint64(1), rev)

	installed, _ := mem.Installed()
	assert.Equal(t, []Rule{{Verdict: Block}}, installed.Filter)
}

func TestTable_UnchangedCommitIsNoop(t *testing.T) {
	mem := NewMemoryBackend()
	table := NewTable(mem)
	ctx := context.Background()

	require.NoError(t, table.Replace(ctx, FilterSection, []Rule{{Verdict: Block}}))
	require.NoError(t, table.Replace(ctx, FilterSection, []Rule{{Verdict: Block}}))

	_, rev := table.Snapshot()
	assert.Equal(t, uint64(1), rev)
	assert.Len(t, mem.History(), 1)
}

func TestTable_ConcurrentWritersPreserveBothSections(t *testing.T) {
	table := NewTable(NewMemoryBackend())
	ctx := context.Background()

	filter := []Rule{{Verdict: Block, Comment: "filter"}}
	routing := []Rule{{Verdict: Direct, Comment: "routing"}}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, rules := FilterSection, filter
			if i%2 == 1 {
				s, rules = RoutingSection, routing
			}
			// Only two commits change the revision, so a writer is
			// stale at most twice.
			assert.NoError(t, table.Replace(ctx, s, rules))
		}()
	}
	wg.Wait()

	p, _ := table.Snapshot()
	assert.Equal(t, filter, p.Filter)
	assert.Equal(t, routing, p.Routing)
}

func TestTable_OnCommitObserver(t *testing.T) {
	table := NewTable(NewMemoryBackend())
	var seen []uint64
	table.OnCommit(func(s Section, rev uint64, err error) {
		if err == nil {
			seen = append(seen, rev)
		}
	})

	require.NoError(t, table.Replace(context.Background(), FilterSection, []Rule{{Verdict: Block}}))
	assert.Equal(t, []uint64{1}, seen)
}

func TestTable_Flush(t *testing.T) {
	mem := NewMemoryBackend()
	table := NewTable(mem)
	ctx := context.Background()

	require.NoError(t, table.Replace(ctx, FilterSection, []Rule{{Verdict: Block}}))
	require.NoError(t, table.Flush(ctx))

	p, rev := table.Snapshot()
	assert.Empty(t, p.Filter)
	assert.Equal(t, uint64(2), rev)
	installed, _ := mem.Installed()
	assert.Empty(t, installed.Filter)
}
