// Package main provides the entry point for the VPN orchestrator.
// The orchestrator owns the tunnel lifecycle, the kill switch and the
// per-application split tunnel policy so that observable network behavior
// always matches the configured intent.
//
// Features:
//   - Transport negotiation with automatic alternate settings
//   - Kill switch (off, auto, always) with optional LAN access
//   - Per-application bypass and VPN-only rules
//   - Snooze, port forwarding and latency based region selection
//   - Local control socket with a live event stream
//
// Usage:
//
//	vpn-orchestrator daemon
//	vpn-orchestrator connect [region]
//
// Environment:
//
//	The daemon requires OpenVPN to be installed on the system.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/vpn-orchestrator/cli"
	"github.com/yllada/vpn-orchestrator/common"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	if err := common.InitLogger(common.LogConfig{
		Level:       common.LevelInfo,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize logging: %v\n", err)
	}
	defer common.CloseLogger()

	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	info := cli.BuildInfo{Version: appVersion, Time: buildTime, Commit: commitSHA}
	if err := cli.ExecuteContext(ctx, info); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		common.CloseLogger()
		os.Exit(1)
	}
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context so the daemon can
// tear the tunnel down and restore the firewall.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}
