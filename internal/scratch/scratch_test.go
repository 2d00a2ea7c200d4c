package scratch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDirAndWriteArtifact(t *testing.T) {
	w := New(t.TempDir(), 7)

	path, err := w.WriteArtifact("run-1", "artifact.go", []byte("package main\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.Root(), "run-1", "artifact.go"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	// RunDir is idempotent.
	dir, err := w.RunDir("run-1")
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func TestListRuns(t *testing.T) {
	w := New(t.TempDir(), 7)

	_, err := w.WriteArtifact("run-a", "artifact.go", []byte("package main\n"))
	require.NoError(t, err)
	_, err = w.RunDir("run-b")
	require.NoError(t, err)

	runs, err := w.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]RunInfo{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.NotEmpty(t, byID["run-a"].Artifact)
	assert.Empty(t, byID["run-b"].Artifact)
}

func TestListRunsEmptyRoot(t *testing.T) {
	w := New(t.TempDir(), 7)
	runs, err := w.ListRuns()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	w := New(t.TempDir(), 7)

	oldDir, err := w.RunDir("run-old")
	require.NoError(t, err)
	_, err = w.RunDir("run-new")
	require.NoError(t, err)

	stale := time.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, stale, stale))

	res, err := w.Sweep(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Kept)

	assert.NoDirExists(t, oldDir)
	runs, err := w.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-new", runs[0].ID)
}

func TestSweepOnMissingRoot(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "never-created"), 7)
	res, err := w.Sweep(time.Now())
	require.NoError(t, err)
	assert.Zero(t, res.Removed)
}
