//go:build !windows

package validate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsus/internal/audit"
	"pulsus/internal/envelope"
	"pulsus/internal/sandbox"
)

const cleanArtifact = `package main

import "strings"

const (
	Domain      = "text_ops"
	Action      = "upper_words"
	Description = "Uppercase every word in the input."
	Safety      = "read_only"
	Requires    = "text"
	Returns     = "text"
)

func Handle(text string) map[string]any {
	return map[string]any{
		"success": true,
		"data":    map[string]any{"text": strings.ToUpper(text)},
	}
}
`

// stubRunner stands in for the real binary during spawn stages. It always
// succeeds on probe; dryrun behavior comes from the body.
func stubRunner(t *testing.T, dryrunBody string) string {
	t.Helper()
	script := "#!/bin/sh\ncase \"$*\" in\n*'-mode dryrun'*)\n" + dryrunBody + "\n;;\n*)\nexit 0\n;;\nesac\n"
	path := filepath.Join(t.TempDir(), "stub-runner")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testArtifact(t *testing.T, source string, level envelope.SafetyLevel) *envelope.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.go")
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return &envelope.Artifact{
		Path:   path,
		Source: source,
		Descriptor: envelope.Descriptor{
			Domain:      "text_ops",
			Action:      "upper_words",
			Description: "Uppercase every word in the input.",
			SafetyLevel: level,
		},
	}
}

func newTestPipeline(t *testing.T, selfExe string) *Pipeline {
	t.Helper()
	return NewPipeline(Options{
		SelfExe:     selfExe,
		WorkingRoot: t.TempDir(),
		Limits:      sandbox.Limits{WallMS: 10_000},
		// Namespace setup stays out of unit tests.
		Network: true,
	})
}

func TestPipelineAllStagesPass(t *testing.T) {
	stub := stubRunner(t, `echo '{"success":true,"data":{"text":"HI"}}'; exit 0`)
	p := newTestPipeline(t, stub)

	report := p.Run(context.Background(), "run-1", testArtifact(t, cleanArtifact, envelope.SafetyReadOnly), envelope.ModePlan, "hi")
	assert.True(t, report.Lint.Passed)
	assert.True(t, report.Typecheck.Passed)
	assert.True(t, report.Import.Passed)
	assert.True(t, report.Dryrun.Passed)
	assert.True(t, report.Passed())
}

func TestPipelineLintFailureShortCircuits(t *testing.T) {
	bad := `package main

import "net/http"

const (
	Domain      = "web"
	Action      = "fetch"
	Description = "Fetch a URL."
)

func Handle(text string) map[string]any {
	_, _ = http.Get(text)
	return map[string]any{"success": true, "data": map[string]any{}}
}
`
	p := newTestPipeline(t, "/bin/false")
	report := p.Run(context.Background(), "run-2", testArtifact(t, bad, envelope.SafetyReadOnly), envelope.ModePlan, "x")

	assert.False(t, report.Lint.Passed)
	require.NotEmpty(t, report.Lint.Diagnostics)
	assert.Contains(t, report.Lint.Diagnostics[0], "forbidden_import")
	assert.False(t, report.Typecheck.Passed)
	assert.False(t, report.Passed())
}

func TestPipelineContractFailureFailsLint(t *testing.T) {
	noHandle := `package main

const (
	Domain      = "text_ops"
	Action      = "noop"
	Description = "Does nothing."
)
`
	p := newTestPipeline(t, "/bin/false")
	report := p.Run(context.Background(), "run-3", testArtifact(t, noHandle, envelope.SafetyReadOnly), envelope.ModePlan, "x")
	assert.False(t, report.Lint.Passed)
}

func TestPipelineTypecheckCatchesTypeError(t *testing.T) {
	broken := `package main

const (
	Domain      = "text_ops"
	Action      = "broken"
	Description = "Broken types."
)

func Handle(text string) map[string]any {
	var n int = "not a number"
	_ = n
	return map[string]any{"success": true, "data": map[string]any{}}
}
`
	p := newTestPipeline(t, "/bin/false")
	report := p.Run(context.Background(), "run-4", testArtifact(t, broken, envelope.SafetyReadOnly), envelope.ModePlan, "x")

	assert.True(t, report.Lint.Passed)
	assert.False(t, report.Typecheck.Passed)
	assert.False(t, report.Import.Passed)
}

func TestPipelineImportStageFailsOnNonzeroExit(t *testing.T) {
	script := filepath.Join(t.TempDir(), "stub-runner")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'load failed' >&2\nexit 2\n"), 0o755))
	p := newTestPipeline(t, script)

	report := p.Run(context.Background(), "run-5", testArtifact(t, cleanArtifact, envelope.SafetyReadOnly), envelope.ModePlan, "x")
	assert.True(t, report.Typecheck.Passed)
	assert.False(t, report.Import.Passed)
	require.NotEmpty(t, report.Import.Diagnostics)
	assert.Contains(t, report.Import.Diagnostics[0], "load failed")
}

func TestPipelineDryrunAcceptsFailureEnvelope(t *testing.T) {
	stub := stubRunner(t, `echo '{"success":false,"error":{"code":"no_match","message":"nothing found"}}'; exit 1`)
	p := newTestPipeline(t, stub)

	report := p.Run(context.Background(), "run-6", testArtifact(t, cleanArtifact, envelope.SafetyReadOnly), envelope.ModePlan, "x")
	assert.True(t, report.Dryrun.Passed)
	assert.True(t, report.Passed())
}

func TestPipelineDryrunRejectsCrash(t *testing.T) {
	stub := stubRunner(t, `echo 'runtime blew up' >&2; exit 2`)
	p := newTestPipeline(t, stub)

	report := p.Run(context.Background(), "run-7", testArtifact(t, cleanArtifact, envelope.SafetyReadOnly), envelope.ModePlan, "x")
	assert.False(t, report.Dryrun.Passed)
	require.NotEmpty(t, report.Dryrun.Diagnostics)
	assert.Contains(t, report.Dryrun.Diagnostics[0], "exit 2")
}

func TestPipelineDryrunRejectsNonEnvelopeOutput(t *testing.T) {
	stub := stubRunner(t, `echo 'plain text, not json'; exit 0`)
	p := newTestPipeline(t, stub)

	report := p.Run(context.Background(), "run-8", testArtifact(t, cleanArtifact, envelope.SafetyReadOnly), envelope.ModePlan, "x")
	assert.False(t, report.Dryrun.Passed)
}

func TestPipelinePlanModeSkipsWritingDryrun(t *testing.T) {
	stub := stubRunner(t, `exit 0`)
	p := newTestPipeline(t, stub)

	report := p.Run(context.Background(), "run-9", testArtifact(t, cleanArtifact, envelope.SafetyWriteSafe), envelope.ModePlan, "x")
	assert.True(t, report.Import.Passed)
	assert.False(t, report.Dryrun.Passed)
	assert.True(t, report.Dryrun.Skipped)
	require.NotEmpty(t, report.Dryrun.Diagnostics)
	assert.Contains(t, report.Dryrun.Diagnostics[0], "plan mode blocks writes")
}

func TestPipelineExecuteModeRunsWritingDryrun(t *testing.T) {
	stub := stubRunner(t, `echo '{"success":true,"data":{}}'; exit 0`)
	p := newTestPipeline(t, stub)

	report := p.Run(context.Background(), "run-10", testArtifact(t, cleanArtifact, envelope.SafetyWriteSafe), envelope.ModeExecute, "x")
	assert.True(t, report.Dryrun.Passed)
	assert.False(t, report.Dryrun.Skipped)
}

func TestPipelineSpawnTimeout(t *testing.T) {
	script := filepath.Join(t.TempDir(), "stub-runner")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 10\n"), 0o755))
	p := NewPipeline(Options{
		SelfExe:     script,
		WorkingRoot: t.TempDir(),
		Limits:      sandbox.Limits{WallMS: 300},
		Network:     true,
	})

	report := p.Run(context.Background(), "run-11", testArtifact(t, cleanArtifact, envelope.SafetyReadOnly), envelope.ModePlan, "x")
	assert.False(t, report.Import.Passed)
	assert.True(t, report.Import.TimedOut)
	assert.GreaterOrEqual(t, report.Import.DurationMS, int64(300))
}

func TestPipelineEmitsValidationAuditRecords(t *testing.T) {
	root := t.TempDir()
	log, err := audit.New(root)
	require.NoError(t, err)
	defer log.Close()

	stub := stubRunner(t, `echo '{"success":true,"data":{}}'; exit 0`)
	p := NewPipeline(Options{
		Audit:       log,
		SelfExe:     stub,
		WorkingRoot: t.TempDir(),
		Limits:      sandbox.Limits{WallMS: 10_000},
		Network:     true,
	})

	report := p.Run(context.Background(), "run-12", testArtifact(t, cleanArtifact, envelope.SafetyReadOnly), envelope.ModePlan, "x")
	require.True(t, report.Passed())
	log.Close()

	matches, err := filepath.Glob(filepath.Join(root, "validation", "*", "*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, matches, 4)
}

func TestReportToMapCoversAllStages(t *testing.T) {
	r := Report{Lint: StageResult{Passed: true, DurationMS: 3}}
	m := r.ToMap()
	for _, stage := range []string{StageLint, StageTypecheck, StageImport, StageDryrun} {
		assert.Contains(t, m, stage)
	}
	lint := m[StageLint].(map[string]any)
	assert.Equal(t, true, lint["passed"])
}
