//go:build linux

package firewall

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/yllada/vpn-orchestrator/common"
)

const (
	// tunnelMark tags packets the mangle chain routes through the tunnel.
	tunnelMark = 0x56504e
	// rulePriority places the fwmark rule ahead of the main table.
	rulePriority = 5210
)

func defaultDst(v4 bool) *net.IPNet {
	if v4 {
		return &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
	}
	return &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}
}

func netlinkFamily(v4 bool) int {
	if v4 {
		return netlink.FAMILY_V4
	}
	return netlink.FAMILY_V6
}

func (b *linuxBackend) tunnelRule(v4 bool) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Family = netlinkFamily(v4)
	rule.Mark = tunnelMark
	rule.Table = b.opts.TunnelTable
	rule.Priority = rulePriority
	return rule
}

// ensureRoute points the tunnel table's default route at iface and adds
// the fwmark rule. Without a usable IPv6 route the table gets an
// unreachable default so marked IPv6 traffic cannot fall through to the
// main table.
func (b *linuxBackend) ensureRoute(iface string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("tunnel interface %s: %w", iface, err)
	}

	for _, fam := range b.families {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       defaultDst(fam.v4),
			Table:     b.opts.TunnelTable,
			Scope:     netlink.SCOPE_LINK,
		}
		if err := netlink.RouteReplace(route); err != nil {
			if fam.v4 {
				return fmt.Errorf("failed to add tunnel route: %w", err)
			}
			unreachable := &netlink.Route{
				Dst:   defaultDst(false),
				Table: b.opts.TunnelTable,
				Type:  unix.RTN_UNREACHABLE,
			}
			if err := netlink.RouteReplace(unreachable); err != nil {
				return fmt.Errorf("failed to add ipv6 unreachable route: %w", err)
			}
		}

		if err := b.ensureRule(fam.v4); err != nil {
			return err
		}
	}

	if b.routeIface != iface {
		common.LogInfo("Firewall: tunnel table %d now routes via %s", b.opts.TunnelTable, iface)
	}
	b.routeIface = iface
	return nil
}

func (b *linuxBackend) ensureRule(v4 bool) error {
	rules, err := netlink.RuleList(netlinkFamily(v4))
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	for _, r := range rules {
		if r.Table == b.opts.TunnelTable && r.Priority == rulePriority && r.Mark == tunnelMark {
			return nil
		}
	}
	if err := netlink.RuleAdd(b.tunnelRule(v4)); err != nil {
		return fmt.Errorf("failed to add fwmark rule: %w", err)
	}
	return nil
}

// removeRoute deletes the fwmark rules and flushes the tunnel table.
func (b *linuxBackend) removeRoute() error {
	var errs []error
	for _, fam := range b.families {
		if err := netlink.RuleDel(b.tunnelRule(fam.v4)); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("failed to delete fwmark rule: %w", err))
		}

		routes, err := netlink.RouteListFiltered(netlinkFamily(fam.v4), &netlink.Route{Table: b.opts.TunnelTable}, netlink.RT_FILTER_TABLE)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range routes {
			if err := netlink.RouteDel(&r); err != nil && !errors.Is(err, unix.ESRCH) {
				errs = append(errs, fmt.Errorf("failed to delete route: %w", err))
			}
		}
	}
	b.routeIface = ""
	return errors.Join(errs...)
}
