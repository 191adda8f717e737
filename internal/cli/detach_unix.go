//go:build unix

package cli

import (
	"os/exec"
	"syscall"
)

// detach gives the child its own session so it survives the parent's exit
// and terminal hangups.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
