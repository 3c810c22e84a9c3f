//go:build windows

package firewall

import (
	"os/exec"
	"syscall"
)

// hideWindow keeps netsh from flashing a console when run from a GUI caller.
func hideWindow(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
