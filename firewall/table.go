package firewall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/yllada/vpn-orchestrator/common"
)

// Backend installs programs on the host.
type Backend interface {
	// Name identifies the backend in logs and status.
	Name() string
	// Install replaces the installed program with p. It either fully
	// succeeds or leaves the previous program in place.
	Install(ctx context.Context, p Program, revision uint64) error
	// Flush removes everything the backend installed.
	Flush(ctx context.Context) error
}

// CommitFunc observes every commit attempt.
type CommitFunc func(s Section, revision uint64, err error)

// Table owns the installed Program.
type Table struct {
	backend Backend

	mu       sync.Mutex
	program  Program
	revision uint64
	onCommit CommitFunc
}

// NewTable returns an empty table at revision 0 installing through b.
func NewTable(b Backend) *Table {
	return &Table{backend: b}
}

// OnCommit registers an observer.
func (t *Table) OnCommit(fn CommitFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = fn
}

// Backend returns the installing backend.
func (t *Table) Backend() Backend {
	return t.backend
}

// Snapshot returns the installed program and its revision.
func (t *Table) Snapshot() (Program, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.program.With(FilterSection, t.program.Filter), t.revision
}

// Commit replaces section s with rules if the table is still at base.
// A stale base yields common.ErrStaleRevision; a backend failure yields
// common.ErrEnforcement and leaves the previous program installed.
func (t *Table) Commit(ctx context.Context, s Section, rules []Rule, base uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if base != t.revision {
		t.observe(s, t.revision, common.ErrStaleRevision)
		return t.revision, fmt.Errorf("%w: base %d, current %d", common.ErrStaleRevision, base, t.revision)
	}

	next := t.program.With(s, rules)
	if next.Equal(t.program) && t.revision > 0 {
		return t.revision, nil
	}

	rev := t.revision + 1
	if err := t.backend.Install(ctx, next, rev); err != nil {
		t.observe(s, t.revision, err)
		if errors.Is(err, common.ErrEnforcement) {
			return t.revision, err
		}
		return t.revision, fmt.Errorf("%w: %s section: %w", common.ErrEnforcement, s, err)
	}

	t.program = next
	t.revision = rev
	t.observe(s, rev, nil)
	common.LogDebug("Firewall: %s section installed at revision %d (%d rules)", s, rev, len(rules))
	return rev, nil
}

func (t *Table) observe(s Section, rev uint64, err error) {
	if t.onCommit != nil {
		t.onCommit(s, rev, err)
	}
}

// Replace commits rules to section s, re-reading the revision and
// retrying when another writer committed in between.
func (t *Table) Replace(ctx context.Context, s Section, rules []Rule) error {
	return retry.Do(
		func() error {
			_, rev := t.Snapshot()
			_, err := t.Commit(ctx, s, rules, rev)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, common.ErrStaleRevision)
		}),
		retry.LastErrorOnly(true),
	)
}

// Flush removes the installed program and resets the table.
func (t *Table) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.backend.Flush(ctx); err != nil {
		return fmt.Errorf("%w: flush: %w", common.ErrEnforcement, err)
	}
	t.program = Program{}
	t.revision++
	return nil
}
