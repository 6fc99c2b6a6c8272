//go:build unix

package proc

import (
	"os/exec"
	"syscall"
)

// killProcessGroup puts the command in its own process group and makes
// cancellation SIGKILL the whole group (negative pid).
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
