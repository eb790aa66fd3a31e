//go:build !linux

package sched

func pinThread(cpu int) error { return nil }
