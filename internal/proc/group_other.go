//go:build !unix

package proc

import "os/exec"

// killProcessGroup falls back to killing the top-level process where
// process groups are unavailable.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
}
