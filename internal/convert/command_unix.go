//go:build unix

package convert

import (
	"os/exec"
	"syscall"
)

// killGroup starts cmd in its own process group and signals the group on
// cancellation
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
