//go:build linux

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
)

// applyIsolation cuts the child off the network by giving it a fresh (empty)
// network namespace. A user namespace is created alongside so this works
// without privileges; the child sees itself as uid 0 inside the mapping only.
func applyIsolation(cmd *exec.Cmd, network bool) {
	if network {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}

	cmd.SysProcAttr.Cloneflags = syscall.CLONE_NEWUSER |
		syscall.CLONE_NEWNET |
		syscall.CLONE_NEWPID |
		syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC
	cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getuid(), Size: 1},
	}
	cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{
		{ContainerID: 0, HostID: os.Getgid(), Size: 1},
	}
}

// maxRSSBytes converts rusage Maxrss to bytes. Linux reports kilobytes.
func maxRSSBytes(rusage *syscall.Rusage) int64 {
	return rusage.Maxrss * 1024
}
