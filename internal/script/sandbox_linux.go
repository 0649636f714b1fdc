//go:build linux

package script

import (
	"os/exec"
	"syscall"
)

// NewSandbox returns the platform sandbox. On Linux scripts run in their
// own process group so cancellation kills the whole tree, not just the
// interpreter.
func NewSandbox() Sandbox {
	return groupSandbox{}
}

type groupSandbox struct{}

func (groupSandbox) Harden(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid addresses the process group.
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}

func (groupSandbox) Capabilities() Caps {
	return Caps{CanKillGroup: true}
}
