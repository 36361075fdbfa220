//go:build !linux

package vpn

import "syscall"

func bindToDevice(string) func(network, address string, c syscall.RawConn) error {
	return nil
}
