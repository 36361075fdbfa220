//go:build linux

package region

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// markSocket tags dialed sockets with mark. Setting it needs
// CAP_NET_ADMIN; without it the dial goes ahead unmarked.
func markSocket(mark uint32) func(network, address string, c syscall.RawConn) error {
	if mark == 0 {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		return c.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
		})
	}
}
