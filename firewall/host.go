package firewall

import (
	"regexp"
	"strings"
)

// HostOptions configure the host backend.
type HostOptions struct {
	// ChainPrefix names the managed iptables chains.
	ChainPrefix string
	// CgroupRoot is the cgroup (relative to the cgroup2 mount) holding
	// one child cgroup per application.
	CgroupRoot string
	// TunnelTable is the policy routing table tunneled traffic uses.
	TunnelTable int
	// Placer, when set, moves app processes into their cgroups on every
	// install.
	Placer *Placer
}

func (o HostOptions) withDefaults() HostOptions {
	if o.ChainPrefix == "" {
		o.ChainPrefix = "VPNO"
	}
	if o.CgroupRoot == "" {
		o.CgroupRoot = "vpn-orchestrator.slice"
	}
	if o.TunnelTable <= 0 {
		o.TunnelTable = 51820
	}
	return o
}

var unsafeCgroupChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// cgroupFor maps an app identifier onto its cgroup path.
func (o HostOptions) cgroupFor(app string) string {
	slug := strings.Trim(unsafeCgroupChars.ReplaceAllString(app, "_"), "_.")
	if slug == "" {
		slug = "app"
	}
	return o.CgroupRoot + "/" + slug
}

// tunnelIface returns the interface the routing section sends traffic to.
func tunnelIface(p Program) string {
	for _, r := range p.Routing {
		if r.Verdict == Tunnel && r.Iface != "" {
			return r.Iface
		}
	}
	return ""
}
