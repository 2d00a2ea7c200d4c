// Package scratch manages the run-scoped workspace composed and generated
// artifacts live in. Every routing cycle gets its own directory under
// route_tmp keyed by run_id, so concurrent cycles never contend, and an
// age-based sweep reclaims directories past the retention window.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pulsus/internal/logging"
)

// DefaultRetentionDays is how long rejected and blocked artifacts are kept.
const DefaultRetentionDays = 7

// Workspace owns the route_tmp tree.
type Workspace struct {
	root      string
	retention time.Duration
}

// New returns a workspace rooted at <workflowsRoot>/route_tmp. Non-positive
// retentionDays falls back to the default.
func New(workflowsRoot string, retentionDays int) *Workspace {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Workspace{
		root:      filepath.Join(workflowsRoot, "route_tmp"),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Root returns the route_tmp directory.
func (w *Workspace) Root() string { return w.root }

// RunDir creates (if needed) and returns the scratch directory for a run.
func (w *Workspace) RunDir(runID string) (string, error) {
	dir := filepath.Join(w.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// WriteArtifact writes src into the run's directory and returns the path.
func (w *Workspace) WriteArtifact(runID, name string, src []byte) (string, error) {
	dir, err := w.RunDir(runID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, src, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	logging.Get(logging.CategoryRouter).Debug("artifact written: %s (%d bytes)", path, len(src))
	return path, nil
}

// RunInfo describes one retained run directory.
type RunInfo struct {
	ID       string
	ModTime  time.Time
	Artifact string
}

// ListRuns enumerates retained run directories, newest first by mtime.
func (w *Workspace) ListRuns() ([]RunInfo, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []RunInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		run := RunInfo{ID: entry.Name(), ModTime: info.ModTime()}
		if matches, _ := filepath.Glob(filepath.Join(w.root, entry.Name(), "*.go")); len(matches) > 0 {
			run.Artifact = matches[0]
		}
		runs = append(runs, run)
	}
	for i := 0; i < len(runs); i++ {
		for j := i + 1; j < len(runs); j++ {
			if runs[j].ModTime.After(runs[i].ModTime) {
				runs[i], runs[j] = runs[j], runs[i]
			}
		}
	}
	return runs, nil
}

// SweepResult summarizes one garbage-collection pass.
type SweepResult struct {
	Removed int
	Kept    int
}

// Sweep deletes run directories whose mtime is older than the retention
// window. Individual deletion failures are logged and skipped so one stuck
// directory cannot wedge collection.
func (w *Workspace) Sweep(now time.Time) (SweepResult, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if os.IsNotExist(err) {
			return SweepResult{}, nil
		}
		return SweepResult{}, fmt.Errorf("sweep scratch: %w", err)
	}
	log := logging.Get(logging.CategoryRouter)
	cutoff := now.Add(-w.retention)
	var res SweepResult
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			res.Kept++
			continue
		}
		path := filepath.Join(w.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn("could not remove expired run %s: %v", entry.Name(), err)
			res.Kept++
			continue
		}
		log.Debug("removed expired run %s", entry.Name())
		res.Removed++
	}
	return res, nil
}
