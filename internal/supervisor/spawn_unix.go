//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configDaemonSysattrs detaches the daemon into its own session so it
// survives the orchestrator exiting and can be signaled as a group.
func configDaemonSysattrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// killGroup sends SIGKILL to the daemon's process group, falling back to
// the single PID when no group exists.
func killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
