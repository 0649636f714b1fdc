package script

import "os/exec"

// Caps describes what a platform's sandbox can enforce.
type Caps struct {
	CanKillGroup bool `json:"can_kill_group"`
}

// Sandbox hardens a script process before it starts. Implementations are
// selected at build time per platform; the zero-capability fallback leaves
// the command as-is and relies on the executor's timeout.
type Sandbox interface {
	// Harden adjusts the command in place. Called after the command is
	// fully configured and before it starts.
	Harden(cmd *exec.Cmd)
	Capabilities() Caps
}
