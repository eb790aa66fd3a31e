//go:build linux

package main

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePort lets every shard bind its own listener to the same address;
// the kernel spreads incoming connections across them.
func reusePort(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
