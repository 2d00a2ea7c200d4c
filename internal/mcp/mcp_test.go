package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsus/internal/envelope"
	"pulsus/internal/scratch"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCensusCountsGoSymbols(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "pkg/main.go", `package main

type Widget struct{ Name string }

func Exported() {}
func hidden() {}
func (w Widget) Render() string { return w.Name }
`)
	writeFile(t, root, "util.py", `def helper():
    pass

class Runner:
    def go(self):
        pass
`)
	writeFile(t, root, "notes.txt", "not source")

	census, err := ScanCensus(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, 3, census.Files)
	goCount := census.Languages["go"]
	require.NotNil(t, goCount)
	assert.Equal(t, 1, goCount.Files)
	assert.Equal(t, 3, goCount.Functions)
	assert.Equal(t, 1, goCount.Types)
	assert.Equal(t, 3, goCount.Exported) // Widget, Exported, Render

	py := census.Languages["python"]
	require.NotNil(t, py)
	assert.Equal(t, 2, py.Functions)
	assert.Equal(t, 1, py.Types)

	assert.Contains(t, census.Text(), "go: 1 files")
}

func TestCensusMissingPath(t *testing.T) {
	_, err := ScanCensus(context.Background(), filepath.Join(t.TempDir(), "ghost"))
	assert.Error(t, err)
}

func TestAnalyzePathResolvesTokens(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "framework/lib.go", "package lib\n\nfunc Fn() {}\n")
	d := NewAnalysisDomain(root)

	ops := d.Operations()
	require.Len(t, ops, 2)
	analyze := ops[0]
	assert.Equal(t, "analyze_path", analyze.Action)
	assert.Equal(t, envelope.SafetyReadOnly, analyze.Safety)

	env := analyze.Invoke(context.Background(), "analyse framework")
	require.True(t, env.Success)
	assert.Equal(t, filepath.Join(root, "framework"), env.Data["path"])

	text, ok := env.Text()
	require.True(t, ok)
	assert.Contains(t, text, "census of")
}

func TestAnalyzeRepositoryUsesRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	d := NewAnalysisDomain(root)

	env := d.Operations()[1].Invoke(context.Background(), "analyze repository anything")
	require.True(t, env.Success)
	assert.Equal(t, root, env.Data["path"])
}

func TestReadScript(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "summarize.go", "package main\n\nconst Description = \"old\"\n")
	d := NewScriptOpsDomain([]string{root})

	env := d.Operations()[0].Invoke(context.Background(), "read the script summarize")
	require.True(t, env.Success)
	text, _ := env.Text()
	assert.Contains(t, text, "const Description")

	env = d.Operations()[0].Invoke(context.Background(), "read ghost_script")
	assert.False(t, env.Success)
	assert.Equal(t, envelope.StatusFailure, env.Status)
}

func TestWriteDocstring(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "summarize.go", `package main

const (
	Domain      = "data"
	Action      = "summarize"
	Description = "old words"
)
`)
	d := NewScriptOpsDomain([]string{root})

	env := d.Operations()[1].Invoke(context.Background(), "summarize :: Summarize the input data matrix.")
	require.True(t, env.Success, env.Error)

	src, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(src), `Description = "Summarize the input data matrix."`)
	assert.NotContains(t, string(src), "old words")
}

func TestWriteDocstringWithoutConstFails(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bare.go", "package main\n")
	d := NewScriptOpsDomain([]string{root})

	env := d.Operations()[1].Invoke(context.Background(), "bare :: new text")
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "Description")
}

func TestWorkflowOps(t *testing.T) {
	ws := scratch.New(t.TempDir(), 7)
	_, err := ws.WriteArtifact("run-1", "artifact.go", []byte("package main\n"))
	require.NoError(t, err)

	oldDir, err := ws.RunDir("run-old")
	require.NoError(t, err)
	stale := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldDir, stale, stale))

	d := NewWorkflowOpsDomain(ws)

	list := d.Operations()[0].Invoke(context.Background(), "list runs")
	require.True(t, list.Success)
	assert.Equal(t, envelope.StatusCached, list.Status)
	assert.Len(t, list.Data["runs"], 2)

	purge := d.Operations()[1].Invoke(context.Background(), "purge")
	require.True(t, purge.Success)
	assert.Equal(t, 1, purge.Data["removed"])

	list = d.Operations()[0].Invoke(context.Background(), "list runs")
	assert.Len(t, list.Data["runs"], 1)
}

func TestBuiltinDomainsAreComplete(t *testing.T) {
	ws := scratch.New(t.TempDir(), 7)
	domains := Builtin(t.TempDir(), nil, ws)
	require.Len(t, domains, 3)

	seen := map[string]envelope.SafetyLevel{}
	for _, d := range domains {
		for _, op := range d.Operations() {
			require.NotNil(t, op.Invoke, "%s.%s has no handler", d.Name(), op.Action)
			seen[d.Name()+"."+op.Action] = op.Safety
		}
	}
	assert.Equal(t, envelope.SafetyReadOnly, seen["analysis.analyze_path"])
	assert.Equal(t, envelope.SafetyWriteSafe, seen["script_ops.write_docstring"])
	assert.Equal(t, envelope.SafetyCached, seen["workflow_ops.list_runs"])
	assert.Equal(t, envelope.SafetyTransactional, seen["workflow_ops.purge_runs"])
}
