//go:build !windows

package runner

import "syscall"

// applySelfLimits pins address-space and CPU rlimits on the current process.
// Failures are ignored: the parent's wall clock and kill path still hold.
func applySelfLimits(memBytes int64, cpuMS int) {
	if memBytes > 0 {
		limit := syscall.Rlimit{Cur: uint64(memBytes), Max: uint64(memBytes)}
		_ = syscall.Setrlimit(syscall.RLIMIT_AS, &limit)
	}
	if cpuMS > 0 {
		seconds := uint64(cpuMS / 1000)
		if seconds == 0 {
			seconds = 1
		}
		limit := syscall.Rlimit{Cur: seconds, Max: seconds}
		_ = syscall.Setrlimit(syscall.RLIMIT_CPU, &limit)
	}
}
