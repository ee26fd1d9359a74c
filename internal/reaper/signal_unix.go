//go:build !windows

package reaper

import "syscall"

// terminatePID sends SIGTERM.
func terminatePID(pid int32) error {
	return syscall.Kill(int(pid), syscall.SIGTERM)
}

// killPID sends SIGKILL.
func killPID(pid int32) error {
	return syscall.Kill(int(pid), syscall.SIGKILL)
}
