//go:build windows

package workerpool

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}
