//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package network

import "syscall"

func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
