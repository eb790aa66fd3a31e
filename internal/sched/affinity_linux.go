//go:build linux

package sched

import "golang.org/x/sys/unix"

// pinThread restricts the calling OS thread to one CPU.
func pinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
