//go:build !windows

package acp

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group so daemon signals do
// not propagate to the child.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
