package firewall

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/yllada/vpn-orchestrator/common"
)

// Verdict is what a matching rule does with a flow.
type Verdict string

const (
	// Filter verdicts.
	Allow Verdict = "allow"
	Block Verdict = "block"

	// Routing verdicts.
	Tunnel Verdict = "tunnel"
	Direct Verdict = "direct"
)

// ProbeMark is the packet mark latency probes carry. Policy lets marked
// flows to catalog probe targets leave on the physical link.
const ProbeMark uint32 = 0x56504f

// Rule matches flows by app, destination, TCP port, packet mark and
// egress interface. Empty fields match anything.
type Rule struct {
	App     string       `json:"app,omitempty"`
	Dest    netip.Prefix `json:"dest"`
	Port    uint16       `json:"port,omitempty"`
	Mark    uint32       `json:"mark,omitempty"`
	Iface   string       `json:"iface,omitempty"`
	Verdict Verdict      `json:"verdict"`
	Comment string       `json:"comment,omitempty"`
}

// String renders the rule for logs and the status API.
func (r Rule) String() string {
	var parts []string
	if r.App != "" {
		parts = append(parts, "app="+r.App)
	}
	if r.Dest.IsValid() {
		parts = append(parts, "dest="+r.Dest.String())
	}
	if r.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", r.Port))
	}
	if r.Mark != 0 {
		parts = append(parts, fmt.Sprintf("mark=%#x", r.Mark))
	}
	if r.Iface != "" {
		parts = append(parts, "iface="+r.Iface)
	}
	if len(parts) == 0 {
		parts = append(parts, "any")
	}
	return fmt.Sprintf("%s -> %s", strings.Join(parts, " "), r.Verdict)
}

// Section names a part of the Program.
type Section int

const (
	FilterSection Section = iota
	RoutingSection
)

func (s Section) String() string {
	if s == RoutingSection {
		return "routing"
	}
	return "filter"
}

// Program is the complete traffic policy.
type Program struct {
	Filter  []Rule `json:"filter"`
	Routing []Rule `json:"routing"`
}

// Rules returns the rules of a section.
func (p Program) Rules(s Section) []Rule {
	if s == RoutingSection {
		return p.Routing
	}
	return p.Filter
}

// With returns a copy of p with section s replaced.
func (p Program) With(s Section, rules []Rule) Program {
	out := Program{
		Filter:  slices.Clone(p.Filter),
		Routing: slices.Clone(p.Routing),
	}
	if s == RoutingSection {
		out.Routing = slices.Clone(rules)
	} else {
		out.Filter = slices.Clone(rules)
	}
	return out
}

// Equal reports whether two programs contain the same rules.
func (p Program) Equal(o Program) bool {
	return slices.Equal(p.Filter, o.Filter) && slices.Equal(p.Routing, o.Routing)
}

// Flow is a connection attempt by App to Dest. Port is the TCP
// destination port and Mark the socket mark, zero when unset.
type Flow struct {
	App  string
	Dest netip.Addr
	Port uint16
	Mark uint32
}

// Decision is the outcome of evaluating a Flow.
type Decision struct {
	Allowed   bool
	ViaTunnel bool
}

// Decide evaluates f against the program. Routing runs first and picks
// the egress; the filter then sees the flow with that egress. Without a
// matching rule a flow is routed direct and allowed.
func (p Program) Decide(f Flow) Decision {
	f.App = common.NormalizeAppID(f.App)

	var egress string
	for _, r := range p.Routing {
		if r.matches(f, "") {
			if r.Verdict == Tunnel {
				egress = r.Iface
			}
			break
		}
	}

	d := Decision{Allowed: true, ViaTunnel: egress != ""}
	for _, r := range p.Filter {
		if r.matches(f, egress) {
			d.Allowed = r.Verdict == Allow
			break
		}
	}
	return d
}

func (r Rule) matches(f Flow, egress string) bool {
	if r.App != "" && r.App != f.App {
		return false
	}
	if r.Dest.IsValid() && !r.Dest.Contains(f.Dest) {
		return false
	}
	if r.Port != 0 && r.Port != f.Port {
		return false
	}
	if r.Mark != 0 && r.Mark != f.Mark {
		return false
	}
	if r.Iface != "" && r.Iface != egress {
		return false
	}
	return true
}

// Input is everything the policy depends on.
type Input struct {
	Mode     common.KillswitchMode
	AllowLAN bool
	State    common.ConnectionState
	// Apps maps normalized app identifiers to their split tunnel mode.
	Apps map[string]common.SplitMode
	// Tunnel is the tunnel interface; empty unless a tunnel carries traffic.
	Tunnel string
	// Endpoints are the addresses the tunnel itself talks to: the VPN
	// server of the current attempt and any proxy in front of it.
	Endpoints   []netip.Addr
	LANPrefixes []netip.Prefix
	// Probes are the latency probe targets of the region catalog.
	Probes []netip.AddrPort
}

// TunnelUp reports whether traffic can use the tunnel.
func (in Input) TunnelUp() bool {
	return in.State.TunnelUp() && in.Tunnel != ""
}

// Blocking reports whether non-tunnel traffic is blocked.
func (in Input) Blocking() bool {
	return in.Mode.Blocks(in.State)
}

var loopback = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// DefaultLANPrefixes are the private and link-local ranges.
var DefaultLANPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// PolicyFor computes the Program for in. It is deterministic: apps are
// emitted in identifier order.
func PolicyFor(in Input) Program {
	return Program{
		Filter:  FilterFor(in),
		Routing: RoutingFor(in),
	}
}

// FilterFor computes the filter section.
//
//	loopback                      allow
//	bypass apps                   allow
//	only-vpn apps via tunnel      allow (tunnel up)
//	only-vpn apps                 block
//	LAN (allow_lan)               allow  } only while
//	VPN endpoints                 allow  } the kill switch
//	marked latency probes         allow  } blocks
//	anything via tunnel           allow  }
//	anything                      block  }
func FilterFor(in Input) []Rule {
	var rules []Rule
	for _, p := range loopback {
		rules = append(rules, Rule{Dest: p, Verdict: Allow, Comment: "loopback"})
	}

	bypass, onlyVPN := appsByMode(in.Apps)
	for _, app := range bypass {
		rules = append(rules, Rule{App: app, Verdict: Allow, Comment: "bypass"})
	}
	for _, app := range onlyVPN {
		if in.TunnelUp() {
			rules = append(rules, Rule{App: app, Iface: in.Tunnel, Verdict: Allow, Comment: "only-vpn"})
		}
		rules = append(rules, Rule{App: app, Verdict: Block, Comment: "only-vpn"})
	}

	if !in.Blocking() {
		return rules
	}

	if in.AllowLAN {
		for _, p := range lanPrefixes(in) {
			rules = append(rules, Rule{Dest: p, Verdict: Allow, Comment: "lan"})
		}
	}
	for _, ep := range endpointPrefixes(in) {
		rules = append(rules, Rule{Dest: ep, Verdict: Allow, Comment: "vpn endpoint"})
	}
	for _, t := range probeTargets(in) {
		rules = append(rules, Rule{Dest: hostPrefix(t.Addr()), Port: t.Port(), Mark: ProbeMark, Verdict: Allow, Comment: "latency probe"})
	}
	if in.TunnelUp() {
		rules = append(rules, Rule{Iface: in.Tunnel, Verdict: Allow, Comment: "tunnel"})
	}
	return append(rules, Rule{Verdict: Block, Comment: "killswitch"})
}

// RoutingFor computes the routing section.
//
//	loopback                      direct
//	bypass apps                   direct
//	VPN endpoints                 direct  } only while
//	marked latency probes         direct  } the tunnel
//	LAN (allow_lan)               direct  } is up
//	anything                      tunnel  }
//	anything                      direct
func RoutingFor(in Input) []Rule {
	var rules []Rule
	for _, p := range loopback {
		rules = append(rules, Rule{Dest: p, Verdict: Direct, Comment: "loopback"})
	}

	bypass, _ := appsByMode(in.Apps)
	for _, app := range bypass {
		rules = append(rules, Rule{App: app, Verdict: Direct, Comment: "bypass"})
	}

	if in.TunnelUp() {
		for _, ep := range endpointPrefixes(in) {
			rules = append(rules, Rule{Dest: ep, Verdict: Direct, Comment: "vpn endpoint"})
		}
		for _, t := range probeTargets(in) {
			rules = append(rules, Rule{Dest: hostPrefix(t.Addr()), Port: t.Port(), Mark: ProbeMark, Verdict: Direct, Comment: "latency probe"})
		}
		if in.AllowLAN {
			for _, p := range lanPrefixes(in) {
				rules = append(rules, Rule{Dest: p, Verdict: Direct, Comment: "lan"})
			}
		}
		return append(rules, Rule{Iface: in.Tunnel, Verdict: Tunnel, Comment: "default via tunnel"})
	}
	return append(rules, Rule{Verdict: Direct, Comment: "default direct"})
}

func appsByMode(apps map[string]common.SplitMode) (bypass, onlyVPN []string) {
	for app, mode := range apps {
		app = common.NormalizeAppID(app)
		if app == "" {
			continue
		}
		switch mode {
		case common.SplitBypass:
			bypass = append(bypass, app)
		case common.SplitOnlyVPN:
			onlyVPN = append(onlyVPN, app)
		}
	}
	slices.Sort(bypass)
	slices.Sort(onlyVPN)
	return slices.Compact(bypass), slices.Compact(onlyVPN)
}

func lanPrefixes(in Input) []netip.Prefix {
	if len(in.LANPrefixes) > 0 {
		return in.LANPrefixes
	}
	return DefaultLANPrefixes
}

func hostPrefix(a netip.Addr) netip.Prefix {
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen())
}

func endpointPrefixes(in Input) []netip.Prefix {
	var out []netip.Prefix
	for _, a := range in.Endpoints {
		if !a.IsValid() {
			continue
		}
		out = append(out, hostPrefix(a))
	}
	slices.SortFunc(out, func(a, b netip.Prefix) int { return cmp.Compare(a.String(), b.String()) })
	return slices.Compact(out)
}

func probeTargets(in Input) []netip.AddrPort {
	var out []netip.AddrPort
	for _, t := range in.Probes {
		if !t.Addr().IsValid() || t.Port() == 0 {
			continue
		}
		out = append(out, netip.AddrPortFrom(t.Addr().Unmap(), t.Port()))
	}
	slices.SortFunc(out, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return slices.Compact(out)
}

// ParsePrefixes parses CIDR strings. Any bad entry is an error.
func ParsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrMisconfigured, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
