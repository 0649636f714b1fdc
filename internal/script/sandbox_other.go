//go:build !linux

package script

import "os/exec"

// NewSandbox returns the platform sandbox. Without process groups only the
// interpreter itself is killed on cancellation; grandchildren may linger
// until the executor's wait delay expires.
func NewSandbox() Sandbox {
	return noopSandbox{}
}

type noopSandbox struct{}

func (noopSandbox) Harden(*exec.Cmd) {}

func (noopSandbox) Capabilities() Caps {
	return Caps{}
}
