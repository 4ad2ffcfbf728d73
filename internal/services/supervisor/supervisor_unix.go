//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGTERM)
}

func killGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

// SignalProcess asks another agent process to stop its running operation.
func SignalProcess(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
