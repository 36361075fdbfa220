// Package common provides shared constants, types, utilities, and interfaces
// used throughout the VPN orchestrator.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Timeouts, snooze limits, file names
//   - Errors: The error taxonomy (connectivity, authentication, enforcement,
//     port forward, invalid state) as sentinel errors
//   - Interfaces: Connection state, kill switch mode, credential storage,
//     notifications and logging
//   - Logger: Leveled logging with optional rotating file output
//   - Utils: Directory helpers and app identifier normalization
//
// # Usage
//
//	import "github.com/yllada/vpn-orchestrator/common"
//
//	common.LogInfo("Connecting to %s", regionID)
//
//	if errors.Is(err, common.ErrAuthentication) {
//	    // never retried automatically
//	}
package common
