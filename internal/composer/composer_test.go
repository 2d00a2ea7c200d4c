package composer

import (
	goast "go/ast"
	"go/parser"
	"go/token"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsus/internal/envelope"
	"pulsus/internal/rules"
	"pulsus/internal/scorer"
	"pulsus/internal/scratch"
)

func chainOf(t *testing.T) []scorer.ScoredCandidate {
	t.Helper()
	return []scorer.ScoredCandidate{
		{
			Descriptor: envelope.Descriptor{
				Domain:      "analysis",
				Action:      "repo_census",
				Description: "Census of source files.",
				Returns:     "text",
				SafetyLevel: envelope.SafetyReadOnly,
				Provider:    envelope.ProviderMCPClassMethod,
				Locator:     "mcp:analysis.repo_census",
			},
			Score: 0.71,
		},
		{
			Descriptor: envelope.Descriptor{
				Domain:      "script_ops",
				Action:      "write_docstring",
				Description: "Write a docstring summary.",
				Params:      []envelope.Parameter{{Name: "text", TypeTag: "text", Required: true}},
				Returns:     "text",
				SafetyLevel: envelope.SafetyWriteSafe,
				Provider:    envelope.ProviderMCPClassMethod,
				Locator:     "mcp:script_ops.write_docstring",
			},
			Score: 0.69,
		},
	}
}

func TestComposeWritesArtifact(t *testing.T) {
	ws := scratch.New(t.TempDir(), 7)
	artifact, err := New(ws).Compose("run-1", "summarize the repo and document it", chainOf(t))
	require.NoError(t, err)

	assert.FileExists(t, artifact.Path)
	onDisk, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, artifact.Source, string(onDisk))

	assert.Contains(t, artifact.Source, "// Composed chain for: summarize the repo and document it")
	assert.Contains(t, artifact.Source, "1. analysis.repo_census")
	assert.Contains(t, artifact.Source, "2. script_ops.write_docstring")
	assert.Contains(t, artifact.Source, `"mcp:analysis.repo_census",`)
	assert.Contains(t, artifact.Source, `"pulsus/capability"`)
}

func TestComposeArtifactIsValidGo(t *testing.T) {
	ws := scratch.New(t.TempDir(), 7)
	artifact, err := New(ws).Compose("run-1", "chain", chainOf(t))
	require.NoError(t, err)

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "composed.go", artifact.Source, 0)
	require.NoError(t, err)
	assert.Equal(t, "main", file.Name.Name)

	var hasHandle bool
	for _, decl := range file.Decls {
		if fd, ok := decl.(*goast.FuncDecl); ok && fd.Name.Name == "Handle" {
			hasHandle = true
		}
	}
	assert.True(t, hasHandle)
}

func TestComposeArtifactPassesLintPolicy(t *testing.T) {
	ws := scratch.New(t.TempDir(), 7)
	artifact, err := New(ws).Compose("run-1", "chain", chainOf(t))
	require.NoError(t, err)

	report := rules.NewPolicy().Check("composed.go", artifact.Source)
	assert.True(t, report.Passed, "violations: %+v", report.Violations)
}

func TestComposeDescriptor(t *testing.T) {
	ws := scratch.New(t.TempDir(), 7)
	artifact, err := New(ws).Compose("run-1", "chain", chainOf(t))
	require.NoError(t, err)

	d := artifact.Descriptor
	assert.Equal(t, "composed", d.Domain)
	assert.Equal(t, "repo_census_then_write_docstring", d.Action)
	assert.Equal(t, envelope.SafetyWriteSafe, d.SafetyLevel, "strictest step safety wins")
	assert.Equal(t, "text", d.Returns)
}

func TestComposeRejectsShortChain(t *testing.T) {
	ws := scratch.New(t.TempDir(), 7)
	_, err := New(ws).Compose("run-1", "solo", chainOf(t)[:1])
	assert.Error(t, err)
}

func TestComposeSanitizesUtterance(t *testing.T) {
	ws := scratch.New(t.TempDir(), 7)
	artifact, err := New(ws).Compose("run-1", "line one\nline two", chainOf(t))
	require.NoError(t, err)
	assert.Contains(t, artifact.Source, "// Composed chain for: line one line two")
	assert.False(t, strings.Contains(strings.SplitN(artifact.Source, "\n", 2)[0], "\r"))
}
