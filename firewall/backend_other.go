//go:build !linux

package firewall

import (
	"fmt"
	"runtime"

	"github.com/yllada/vpn-orchestrator/common"
)

// NewHostBackend returns the backend for this platform.
func NewHostBackend(HostOptions) (Backend, error) {
	return nil, fmt.Errorf("%w: %s", common.ErrUnsupported, runtime.GOOS)
}
