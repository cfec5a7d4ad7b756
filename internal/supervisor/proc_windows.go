//go:build windows

package supervisor

import (
	"os/exec"
	"time"
)

func setProcGroup(cmd *exec.Cmd) {}

// killGroup on Windows kills only the direct child; descendants of a
// forking tool are not tracked here.
func killGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	if grace > 0 {
		time.Sleep(grace)
	}
	_ = cmd.Process.Kill()
}
