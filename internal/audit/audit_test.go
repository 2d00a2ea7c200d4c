package audit

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestEmitWritesDailyAndRunStreams(t *testing.T) {
	l := newTestLogger(t)

	l.Emit(Event{RunID: "run-1", Phase: "intent_parsed", Payload: map[string]any{"confidence": 0.9}})
	l.Emit(Event{RunID: "run-1", Phase: "policy_select"})
	l.Emit(Event{Phase: "registry_refresh"})
	l.Flush("run-1")

	steps, err := l.Tail("runs/run-1", 0, nil)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "intent_parsed", steps[0].Phase)
	assert.Equal(t, "policy_select", steps[1].Phase)
	assert.NotEmpty(t, steps[0].TimestampUTC)

	app, err := l.Tail("app", 0, nil)
	require.NoError(t, err)
	assert.Len(t, app, 3)
}

func TestRunStreamPreservesOrder(t *testing.T) {
	l := newTestLogger(t)

	phases := []string{"start", "parsing", "discovered", "policy_chosen", "validating", "decision"}
	for _, p := range phases {
		l.Emit(Event{RunID: "run-ord", Phase: p})
	}
	l.EndRun("run-ord")

	got, err := l.Tail("runs/run-ord", 0, nil)
	require.NoError(t, err)
	require.Len(t, got, len(phases))
	for i, p := range phases {
		assert.Equal(t, p, got[i].Phase)
	}
}

func TestValidationFilePerPhaseAndModule(t *testing.T) {
	l := newTestLogger(t)

	l.Validation("lint", "data.summarize", Event{
		RunID:   "run-2",
		Phase:   "validation.lint",
		Payload: map[string]any{"passed": false, "diagnostics": "unused import"},
	})

	date := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(l.Root(), "validation", date, "lint_data.summarize.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "unused import")
}

func TestSaveArtifact(t *testing.T) {
	l := newTestLogger(t)

	src := []byte("package main\n")
	require.NoError(t, l.SaveArtifact("run-3", "go", src))

	data, err := os.ReadFile(filepath.Join(l.Root(), "runs", "run-3", "artifact.go"))
	require.NoError(t, err)
	assert.Equal(t, src, data)
}

func TestTailFilterAndLimit(t *testing.T) {
	l := newTestLogger(t)

	for i := 0; i < 10; i++ {
		phase := "keep"
		if i%2 == 0 {
			phase = "skip"
		}
		l.Emit(Event{RunID: "run-4", Phase: phase})
	}
	l.Flush("run-4")

	got, err := l.Tail("runs/run-4", 2, func(e Event) bool { return e.Phase == "keep" })
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, "keep", e.Phase)
	}

	_, err = l.Tail("bogus", 0, nil)
	assert.Error(t, err)

	none, err := l.Tail("runs/never-ran", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConcurrentEmitters(t *testing.T) {
	l := newTestLogger(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			runID := []string{"run-a", "run-b"}[w%2]
			for i := 0; i < 25; i++ {
				l.Emit(Event{RunID: runID, Phase: "step"})
			}
		}(w)
	}
	wg.Wait()
	l.Flush("run-a")
	l.Flush("run-b")

	a, err := l.Tail("runs/run-a", 0, nil)
	require.NoError(t, err)
	b, err := l.Tail("runs/run-b", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, len(a))
	assert.Equal(t, 100, len(b))
	assert.Equal(t, int64(0), l.Dropped())
}
