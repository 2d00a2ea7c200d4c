//go:build windows

package sandbox

import "os/exec"

func setupProcessGroup(cmd *exec.Cmd) {}

func applyIsolation(cmd *exec.Cmd, network bool) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func peakRSSBytes(cmd *exec.Cmd) int64 { return 0 }
