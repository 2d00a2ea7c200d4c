//go:build linux

package sandbox

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyIsolationNetworkOff(t *testing.T) {
	cmd := exec.Command("/bin/true")
	applyIsolation(cmd, false)

	require.NotNil(t, cmd.SysProcAttr)
	flags := cmd.SysProcAttr.Cloneflags
	assert.NotZero(t, flags&syscall.CLONE_NEWNET)
	assert.NotZero(t, flags&syscall.CLONE_NEWUSER)
	assert.NotZero(t, flags&syscall.CLONE_NEWPID)
	assert.NotEmpty(t, cmd.SysProcAttr.UidMappings)
}

func TestApplyIsolationNetworkOn(t *testing.T) {
	cmd := exec.Command("/bin/true")
	applyIsolation(cmd, true)
	if cmd.SysProcAttr != nil {
		assert.Zero(t, cmd.SysProcAttr.Cloneflags)
	}
}
