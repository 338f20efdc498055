//go:build windows

package acp

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}
