//go:build linux

package firewall

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"golang.org/x/sys/unix"

	"github.com/yllada/vpn-orchestrator/common"
)

const (
	tableFilter = "filter"
	tableMangle = "mangle"
	tableNat    = "nat"

	chainOutput      = "OUTPUT"
	chainPostrouting = "POSTROUTING"

	cgroupMount = "/sys/fs/cgroup"
)

// hook is one managed chain per revision, jumped to from a builtin chain.
type hook struct {
	table  string
	parent string
	kind   string
}

// Marked packets are rerouted after the source address was picked for
// the physical link, so the nat chain rewrites it to the tunnel's.
var hooks = []hook{
	{tableFilter, chainOutput, "F"},
	{tableMangle, chainOutput, "R"},
	{tableNat, chainPostrouting, "N"},
}

type family struct {
	name string
	v4   bool
	ipt  *iptables.IPTables
}

// linuxBackend installs the filter section as an iptables filter chain and
// the routing section as a mangle chain marking tunneled packets, plus a
// netlink policy rule sending marked packets to the tunnel table and a
// nat chain masquerading them. Every revision gets fresh chains; the
// jumps are swapped only once they are complete.
type linuxBackend struct {
	opts     HostOptions
	families []family

	mu         sync.Mutex
	current    uint64
	installed  bool
	routeIface string
}

// NewHostBackend returns the iptables/netlink backend. It requires root.
func NewHostBackend(opts HostOptions) (Backend, error) {
	if unix.Geteuid() != 0 {
		return nil, common.ErrRootRequired
	}

	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize iptables: %w", err)
	}
	families := []family{{name: "ipv4", v4: true, ipt: v4}}

	if v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6); err == nil {
		families = append(families, family{name: "ipv6", ipt: v6})
	} else {
		common.LogWarn("Firewall: ip6tables unavailable, IPv6 traffic is not managed: %v", err)
	}

	return &linuxBackend{opts: opts.withDefaults(), families: families}, nil
}

func (b *linuxBackend) Name() string { return "iptables" }

func (b *linuxBackend) chainName(kind string, rev uint64) string {
	return fmt.Sprintf("%s-%s%d", b.opts.ChainPrefix, kind, rev)
}

// Install builds the chains for rev and swaps them in.
func (b *linuxBackend) Install(ctx context.Context, p Program, rev uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	iface := tunnelIface(p)
	if iface != "" {
		if err := b.ensureRoute(iface); err != nil {
			return fmt.Errorf("%w: routing: %w", common.ErrEnforcement, err)
		}
	}

	if err := b.ensureCgroups(p); err != nil {
		return fmt.Errorf("%w: %w", common.ErrEnforcement, err)
	}
	if b.opts.Placer != nil {
		b.opts.Placer.SetApps(programApps(p))
		if _, err := b.opts.Placer.Scan(); err != nil {
			common.LogWarn("Firewall: failed to place app processes: %v", err)
		}
	}

	for _, fam := range b.families {
		for _, h := range hooks {
			if err := b.buildChain(fam, h.table, b.chainName(h.kind, rev), hookSpecs(h, p, fam.v4, b.opts)); err != nil {
				b.dropRevision(rev)
				return fmt.Errorf("%w: %s %s: %w", common.ErrEnforcement, fam.name, h.table, err)
			}
		}
	}

	if err := b.swapJumps(rev); err != nil {
		b.dropRevision(rev)
		return fmt.Errorf("%w: %w", common.ErrEnforcement, err)
	}

	if b.installed {
		b.dropRevision(b.current)
	}
	b.current = rev
	b.installed = true

	if iface == "" && b.routeIface != "" {
		if err := b.removeRoute(); err != nil {
			common.LogWarn("Firewall: failed to remove tunnel route: %v", err)
		}
	}
	return nil
}

func (b *linuxBackend) buildChain(fam family, table, chain string, specs [][]string) error {
	if err := fam.ipt.ClearChain(table, chain); err != nil {
		return err
	}
	for _, spec := range specs {
		if err := fam.ipt.Append(table, chain, spec...); err != nil {
			return fmt.Errorf("append %s: %w", strings.Join(spec, " "), err)
		}
	}
	return nil
}

// hookSpecs renders the chain contents of h for one address family.
func hookSpecs(h hook, p Program, v4 bool, opts HostOptions) [][]string {
	switch h.kind {
	case "F":
		return filterSpecs(p.Filter, v4, opts)
	case "R":
		return routingSpecs(p.Routing, v4, opts)
	default:
		return natSpecs(p)
	}
}

// swapJumps points the builtin chains at the chains of rev. On failure the
// jumps already inserted are removed so the previous chains stay in effect.
func (b *linuxBackend) swapJumps(rev uint64) error {
	type jump struct {
		fam   family
		hook  hook
		chain string
	}
	var inserted []jump
	rollback := func() {
		for _, j := range inserted {
			_ = j.fam.ipt.DeleteIfExists(j.hook.table, j.hook.parent, "-j", j.chain)
		}
	}

	for _, fam := range b.families {
		for _, h := range hooks {
			chain := b.chainName(h.kind, rev)
			if err := fam.ipt.Insert(h.table, h.parent, 1, "-j", chain); err != nil {
				rollback()
				return fmt.Errorf("jump to %s: %w", chain, err)
			}
			inserted = append(inserted, jump{fam, h, chain})
		}
	}
	return nil
}

// dropRevision unhooks and deletes the chains of rev.
func (b *linuxBackend) dropRevision(rev uint64) {
	for _, fam := range b.families {
		for _, h := range hooks {
			b.dropChain(fam, h, b.chainName(h.kind, rev))
		}
	}
}

// dropChain unhooks and deletes a chain, ignoring one that does not exist.
func (b *linuxBackend) dropChain(fam family, h hook, chain string) {
	exists, err := fam.ipt.ChainExists(h.table, chain)
	if err != nil || !exists {
		return
	}
	_ = fam.ipt.DeleteIfExists(h.table, h.parent, "-j", chain)
	if err := fam.ipt.ClearAndDeleteChain(h.table, chain); err != nil {
		common.LogWarn("Firewall: failed to delete %s/%s chain %s: %v", fam.name, h.table, chain, err)
	}
}

// Flush removes every managed chain, including ones left by a previous run.
func (b *linuxBackend) Flush(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, fam := range b.families {
		for _, h := range hooks {
			chains, err := fam.ipt.ListChains(h.table)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, c := range chains {
				if strings.HasPrefix(c, b.opts.ChainPrefix+"-"+h.kind) {
					b.dropChain(fam, h, c)
				}
			}
		}
	}
	if err := b.removeRoute(); err != nil {
		errs = append(errs, err)
	}
	b.installed = false
	return errors.Join(errs...)
}

// ensureCgroups creates the per-app cgroups the rules match on; the
// cgroup match refuses paths that do not exist.
func (b *linuxBackend) ensureCgroups(p Program) error {
	for _, app := range programApps(p) {
		dir := filepath.Join(cgroupMount, b.opts.cgroupFor(app))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cgroup for %s: %w", app, err)
		}
	}
	return nil
}

// matchSpec renders the match part of r for one address family.
// ok is false when the rule does not apply to the family.
func matchSpec(r Rule, v4 bool, matchIface bool, opts HostOptions) (spec []string, ok bool) {
	if r.Dest.IsValid() {
		if r.Dest.Addr().Is4() != v4 {
			return nil, false
		}
		spec = append(spec, "-d", r.Dest.String())
	}
	if r.Port != 0 {
		spec = append(spec, "-p", "tcp", "--dport", strconv.Itoa(int(r.Port)))
	}
	if r.Mark != 0 {
		spec = append(spec, "-m", "mark", "--mark", fmt.Sprintf("%#x", r.Mark))
	}
	if matchIface && r.Iface != "" {
		spec = append(spec, "-o", r.Iface)
	}
	if r.App != "" {
		spec = append(spec, "-m", "cgroup", "--path", opts.cgroupFor(r.App))
	}
	if r.Comment != "" {
		spec = append(spec, "-m", "comment", "--comment", r.Comment)
	}
	return spec, true
}

func filterSpecs(rules []Rule, v4 bool, opts HostOptions) [][]string {
	var specs [][]string
	for _, r := range rules {
		spec, ok := matchSpec(r, v4, true, opts)
		if !ok {
			continue
		}
		target := []string{"-j", "ACCEPT"}
		if r.Verdict == Block {
			target = []string{"-j", "REJECT"}
		}
		specs = append(specs, append(spec, target...))
	}
	return specs
}

func routingSpecs(rules []Rule, v4 bool, opts HostOptions) [][]string {
	var specs [][]string
	for _, r := range rules {
		spec, ok := matchSpec(r, v4, false, opts)
		if !ok {
			continue
		}
		if r.Verdict == Tunnel {
			mark := append(append([]string(nil), spec...), "-j", "MARK", "--set-mark", fmt.Sprintf("%#x", tunnelMark))
			specs = append(specs, mark)
		}
		specs = append(specs, append(spec, "-j", "RETURN"))
	}
	return specs
}

// natSpecs masquerades marked packets leaving on the tunnel. The rule is
// family independent.
func natSpecs(p Program) [][]string {
	iface := tunnelIface(p)
	if iface == "" {
		return nil
	}
	return [][]string{{
		"-o", iface,
		"-m", "mark", "--mark", fmt.Sprintf("%#x", tunnelMark),
		"-m", "comment", "--comment", "tunnel source nat",
		"-j", "MASQUERADE",
	}}
}

// programApps lists the apps the program's rules match on.
func programApps(p Program) []string {
	var apps []string
	seen := map[string]bool{}
	for _, r := range append(append([]Rule(nil), p.Filter...), p.Routing...) {
		if r.App == "" || seen[r.App] {
			continue
		}
		seen[r.App] = true
		apps = append(apps, r.App)
	}
	return apps
}
