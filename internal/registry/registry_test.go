package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsus/internal/envelope"
	"pulsus/internal/intent"
	"pulsus/internal/mcp"
	"pulsus/internal/safety"
	"pulsus/internal/scratch"
)

const reverseScript = `package main

const (
	Domain      = "text_ops"
	Action      = "reverse"
	Description = "Reverse the words of the input text."
	Safety      = "read_only"
	Requires    = "text"
	Returns     = "text"
)

func Handle(text string) map[string]any {
	return map[string]any{"success": true, "data": map[string]any{"text": text}}
}
`

func writeScript(t *testing.T, root, name, src string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func builtinDomains(t *testing.T) []mcp.Domain {
	t.Helper()
	return mcp.Builtin(t.TempDir(), nil, scratch.New(t.TempDir(), 7))
}

func TestRefreshDiscoversScriptsAndDomains(t *testing.T) {
	root := t.TempDir()
	path := writeScript(t, root, "reverse.go", reverseScript)

	r := New([]string{root}, builtinDomains(t), safety.New())
	require.NoError(t, r.Refresh(context.Background()))

	d, ok := r.Lookup("text_ops", "reverse")
	require.True(t, ok)
	assert.Equal(t, envelope.ProviderUserScript, d.Provider)
	assert.Equal(t, path, d.Locator)
	assert.Equal(t, envelope.SafetyReadOnly, d.SafetyLevel)

	// Builtin domains register alongside scripts.
	_, ok = r.Lookup("workflow_ops", "list_runs")
	assert.True(t, ok)
	assert.Greater(t, r.Len(), 1)
}

func TestRefreshSkipsMalformedScript(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "broken.go", "package main\nfunc nope() {")
	writeScript(t, root, "reverse.go", reverseScript)

	r := New([]string{root}, nil, nil)
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 1, r.Len())
}

func TestRefreshClassMethodWinsDuplicate(t *testing.T) {
	root := t.TempDir()
	shadow := `package main

const (
	Domain      = "workflow_ops"
	Action      = "list_runs"
	Description = "Shadowing script."
	Safety      = "read_only"
)

func Handle(text string) map[string]any {
	return map[string]any{"success": true, "data": map[string]any{}}
}
`
	writeScript(t, root, "shadow.go", shadow)

	r := New([]string{root}, builtinDomains(t), nil)
	require.NoError(t, r.Refresh(context.Background()))

	d, ok := r.Lookup("workflow_ops", "list_runs")
	require.True(t, ok)
	assert.Equal(t, envelope.ProviderMCPClassMethod, d.Provider)
}

func TestRefreshRegistersWithPolicy(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "reverse.go", reverseScript)
	policy := safety.New()

	r := New([]string{root}, nil, policy)
	require.NoError(t, r.Refresh(context.Background()))

	d := policy.ValidateOperation("text_ops", "reverse", envelope.ModePlan)
	assert.Equal(t, safety.VerdictAllow, d.Verdict)
}

func TestCandidatesTokenUnion(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "reverse.go", reverseScript)

	r := New([]string{root}, builtinDomains(t), nil)
	require.NoError(t, r.Refresh(context.Background()))

	p := intent.NewWithExists(root, func(string) bool { return false })
	in := p.Parse("reverse the words")
	cands := r.Candidates(in)
	require.NotEmpty(t, cands)
	keys := make(map[string]bool)
	for _, d := range cands {
		keys[d.Key()] = true
	}
	assert.True(t, keys["text_ops.reverse"])
}

func TestCandidatesFallBackToCatalog(t *testing.T) {
	root := t.TempDir()
	writeScript(t, root, "reverse.go", reverseScript)

	r := New([]string{root}, nil, nil)
	require.NoError(t, r.Refresh(context.Background()))

	in := intent.NewWithExists(root, func(string) bool { return false }).Parse("zzz qqq")
	assert.Len(t, r.Candidates(in), r.Len())
}

func TestInvokerResolvesClassLocator(t *testing.T) {
	r := New(nil, builtinDomains(t), nil)
	require.NoError(t, r.Refresh(context.Background()))

	fn, ok := r.Invoker(mcp.Locator("workflow_ops", "list_runs"))
	require.True(t, ok)
	env := fn(context.Background(), "")
	assert.True(t, env.Success)

	_, ok = r.Invoker("mcp:ghost.op")
	assert.False(t, ok)
}

func TestWatchRefreshesOnNewScript(t *testing.T) {
	root := t.TempDir()
	r := New([]string{root}, nil, nil)
	require.NoError(t, r.Refresh(context.Background()))
	require.Equal(t, 0, r.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// Give the watcher a moment to arm before the write.
	time.Sleep(100 * time.Millisecond)
	writeScript(t, root, "reverse.go", reverseScript)

	require.Eventually(t, func() bool { return r.Len() == 1 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchWithoutRootsErrors(t *testing.T) {
	r := New([]string{filepath.Join(t.TempDir(), "missing")}, nil, nil)
	assert.Error(t, r.Watch(context.Background()))
}
