//go:build unix

package backend

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the worker in its own process group, so that
// killProcessGroup also reaches the processes it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
