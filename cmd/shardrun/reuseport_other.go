//go:build !linux

package main

import "syscall"

// reusePort is a no-op; only one shard can listen on a given address.
func reusePort(network, address string, c syscall.RawConn) error { return nil }
