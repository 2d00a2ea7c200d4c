// Package sandbox runs validation subprocesses under wall-clock, memory,
// and output limits, with network isolation where the platform supports it.
// The child is always placed in its own process group so runaway grandchildren
// die with it.
package sandbox

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"pulsus/internal/logging"
)

// Limits bound a single sandboxed execution.
type Limits struct {
	WallMS         int
	MemBytes       int64
	MaxOutputBytes int64
	MaxProcs       int
}

// Spec describes the subprocess to run.
type Spec struct {
	Argv    []string
	Dir     string
	Stdin   string
	Env     []string
	Limits  Limits
	Network bool
}

// Result is the observed outcome of a sandboxed execution.
type Result struct {
	ExitCode     int
	Stdout       string
	Stderr       string
	WallMS       int64
	PeakRSSBytes int64
	TimedOut     bool
	Truncated    bool
}

const defaultMaxOutputBytes = 64 * 1024

// Executor runs subprocesses under the configured limits.
type Executor struct{}

// NewExecutor creates a sandbox executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Run executes the spec and blocks until it exits or the wall limit fires.
// A run that consumes its entire wall allowance is reported as timed out
// even if it exited on its own at the boundary.
func (e *Executor) Run(ctx context.Context, spec Spec) (*Result, error) {
	wall := time.Duration(spec.Limits.WallMS) * time.Millisecond
	if wall <= 0 {
		wall = 30 * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	cmd := exec.CommandContext(execCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	setupProcessGroup(cmd)
	applyIsolation(cmd, spec.Network)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}

	maxOutput := spec.Limits.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	logging.Get(logging.CategorySandbox).Debug("spawning %q wall=%s mem=%d network=%v",
		spec.Argv[0], wall, spec.Limits.MemBytes, spec.Network)

	started := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(started)

	result := &Result{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		WallMS:    elapsed.Milliseconds(),
		Truncated: stdoutLimited.truncated || stderrLimited.truncated,
	}
	result.PeakRSSBytes = peakRSSBytes(cmd)

	// The wall boundary is inclusive: using the full allowance counts as a
	// timeout even when the process exited at the edge.
	if execCtx.Err() == context.DeadlineExceeded || elapsed >= wall {
		result.TimedOut = true
		result.ExitCode = -1
		logging.Get(logging.CategorySandbox).Warn("process killed after %s (limit %s)", elapsed, wall)
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, runErr
	}

	result.ExitCode = 0
	return result, nil
}

// limitedWriter caps total bytes written; overflow is counted and dropped
// while reporting full writes upstream to avoid short-write errors.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		toWrite := p[:remaining]
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(toWrite)
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
