// Package firewall computes and installs the host's traffic policy.
//
// PolicyFor is a pure function from the orchestrator's intent (kill switch
// mode, connection state, per-app rules, tunnel interface) to a Program:
// an ordered filter section deciding whether a flow may leave the host and
// an ordered routing section deciding whether it uses the tunnel. Both
// sections use first-match semantics.
//
// Table is the single owner of the installed Program. The kill switch
// writes the filter section and the split tunnel router writes the
// routing section; each commit names the revision it was computed from
// and is rejected if another writer got there first. Backends install a
// whole Program atomically or not at all.
package firewall
