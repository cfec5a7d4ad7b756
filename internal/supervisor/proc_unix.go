//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcGroup puts the child in its own process group so that a kill
// reaches any descendants the tool forks.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup terminates the child's process group. A SIGTERM is sent first
// when grace is non-zero; SIGKILL follows unconditionally.
func killGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	if grace > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		time.Sleep(grace)
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}
