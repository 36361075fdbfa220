// Package vpn provides VPN connection management for the orchestrator.
//
// The Manager owns the canonical connection state and is its only writer.
// Commands (Connect, Disconnect, Snooze, Resume, rule and setting changes)
// are queued and run one at a time on the goroutine running Manager.Run.
// Slow work runs in the background and reports back through the same
// goroutine:
//
//   - transport negotiation, with retries and the alternate transport
//   - port forward requests and lease renewal
//   - snooze countdown ticks and expiry
//   - latency probing and link health checks
//
// Each background result carries the id of the attempt that produced it;
// results of superseded attempts are discarded, and a late tunnel is closed.
//
// # Transitions
//
// Every transition updates the state, then installs the kill switch filter,
// then the split tunnel routing, and only then publishes StateChanged on the
// event bus. A tunnel is never reported Connected unless both sections of
// the policy were installed for it.
//
//	Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected
//	Connected -> Reconnecting -> Connected         (link lost)
//	Connected -> Snoozing -> Snoozed -> Resuming -> Connected
//	Connecting|Reconnecting|Resuming -> Error      (retries exhausted)
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Status returns a
// snapshot and never waits for the command queue.
package vpn
