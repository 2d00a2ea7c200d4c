//go:build darwin

package sandbox

import (
	"os/exec"
	"syscall"
)

// applyIsolation is a no-op on macOS; network isolation needs Linux
// namespaces. The import allowlist still keeps net out of artifacts.
func applyIsolation(cmd *exec.Cmd, network bool) {}

// maxRSSBytes converts rusage Maxrss to bytes. Darwin already reports bytes.
func maxRSSBytes(rusage *syscall.Rusage) int64 {
	return rusage.Maxrss
}
