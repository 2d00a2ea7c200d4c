//go:build !linux && !darwin && !windows

package sandbox

import (
	"os/exec"
	"syscall"
)

func applyIsolation(cmd *exec.Cmd, network bool) {}

func maxRSSBytes(rusage *syscall.Rusage) int64 {
	return rusage.Maxrss * 1024
}
