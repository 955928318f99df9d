//go:build unix

package wireguard

import (
	"os/exec"
	"syscall"
)

// killProcessGroup runs cmd in its own process group and SIGKILLs the whole
// group on cancellation, so children that inherited stdout/stderr die too.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
