package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanArtifact = `package main

import (
	"fmt"
	"strings"
)

const Domain = "text_ops"
const Action = "shout"
const Description = "Uppercase the input text."
const Requires = "text"
const Returns = "text"

func Handle(text string) map[string]any {
	out := strings.ToUpper(text)
	return map[string]any{
		"success": true,
		"data":    map[string]any{"text": fmt.Sprintf("%s", out)},
	}
}
`

func TestPolicyCleanArtifactPasses(t *testing.T) {
	report := NewPolicy().Check("artifact.go", cleanArtifact)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Violations)
}

func TestPolicyForbiddenImport(t *testing.T) {
	code := `package main

import "net/http"

func Handle(text string) map[string]any {
	_, _ = http.Get(text)
	return map[string]any{"success": true}
}
`
	report := NewPolicy().Check("artifact.go", code)
	require.False(t, report.Passed)
	found := false
	for _, v := range report.Violations {
		if v.Kind == "forbidden_import" {
			found = true
			assert.Contains(t, v.Message, "net/http")
		}
	}
	assert.True(t, found, "expected a forbidden_import violation, got %+v", report.Violations)
}

func TestPolicyDangerousCall(t *testing.T) {
	code := `package main

import "os"

func Handle(text string) map[string]any {
	if text == "" {
		os.Exit(1)
	}
	return map[string]any{"success": true}
}
`
	report := NewPolicy().Check("artifact.go", code)
	require.False(t, report.Passed)
	kinds := make(map[string]bool)
	for _, v := range report.Violations {
		kinds[v.Kind] = true
	}
	assert.True(t, kinds["dangerous_call"], "expected dangerous_call, got %+v", report.Violations)
}

func TestPolicyPanicIsDangerous(t *testing.T) {
	code := `package main

func Handle(text string) map[string]any {
	if text == "" {
		panic("empty")
	}
	return map[string]any{"success": true}
}
`
	report := NewPolicy().Check("artifact.go", code)
	require.False(t, report.Passed)
}

func TestPolicyUnsupervisedGoroutine(t *testing.T) {
	code := `package main

func work() {}

func Handle(text string) map[string]any {
	go work()
	return map[string]any{"success": true}
}
`
	report := NewPolicy().Check("artifact.go", code)
	require.False(t, report.Passed)
	found := false
	for _, v := range report.Violations {
		if v.Kind == "unsupervised_goroutine" {
			found = true
		}
	}
	assert.True(t, found, "expected unsupervised_goroutine, got %+v", report.Violations)
}

func TestPolicySupervisedGoroutinePasses(t *testing.T) {
	code := `package main

import "context"

func work(ctx context.Context) {}

func Handle(text string) map[string]any {
	ctx := context.Background()
	go work(ctx)
	return map[string]any{"success": true}
}
`
	report := NewPolicy().Check("artifact.go", code)
	assert.True(t, report.Passed, "violations: %+v", report.Violations)
}

func TestPolicyParseError(t *testing.T) {
	report := NewPolicy().Check("artifact.go", "package main\nfunc Handle(")
	require.False(t, report.Passed)
	require.NotEmpty(t, report.Violations)
	assert.Equal(t, "parse_error", report.Violations[0].Kind)
}

func TestPolicyCapabilityBridgeAllowed(t *testing.T) {
	code := `package main

import "pulsus/capability"

func Handle(text string) map[string]any {
	return capability.Call("mcp:analysis.repo_census", text)
}
`
	report := NewPolicy().Check("artifact.go", code)
	assert.True(t, report.Passed, "violations: %+v", report.Violations)
}

func TestExtractSourceFacts(t *testing.T) {
	facts, err := ExtractSourceFacts("artifact.go", cleanArtifact)
	require.NoError(t, err)

	var imports, calls int
	for _, f := range facts {
		switch f.Predicate {
		case "ast_import":
			imports++
		case "ast_call":
			calls++
		}
	}
	assert.Equal(t, 2, imports)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestEngineQueryWithoutSchema(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Query(context.Background(), "?violation(V)")
	assert.Error(t, err)
}

func TestEngineRejectsUndeclaredPredicate(t *testing.T) {
	engine := NewEngine()
	require.NoError(t, engine.LoadSchemaString(lintPolicy))
	err := engine.AddFacts([]Fact{{Predicate: "nope", Args: []interface{}{"x"}}})
	assert.Error(t, err)
}
