// Package validate runs the four-stage artifact pipeline: lint, typecheck,
// import-load, dry-run. Stages short-circuit on the first failure and every
// stage result lands in the validation audit stream, pass or fail.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"pulsus/internal/audit"
	"pulsus/internal/envelope"
	"pulsus/internal/logging"
	"pulsus/internal/registry"
	"pulsus/internal/rules"
	"pulsus/internal/sandbox"
)

// Stage names, in pipeline order.
const (
	StageLint      = "lint"
	StageTypecheck = "typecheck"
	StageImport    = "import"
	StageDryrun    = "dryrun"
)

const maxDiagnosticLen = 2000

// StageResult records one stage's outcome.
type StageResult struct {
	Passed      bool     `json:"passed"`
	DurationMS  int64    `json:"duration_ms"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	TimedOut    bool     `json:"timed_out,omitempty"`
	Skipped     bool     `json:"skipped,omitempty"`
}

// Report aggregates the four stages.
type Report struct {
	Lint      StageResult `json:"lint"`
	Typecheck StageResult `json:"typecheck"`
	Import    StageResult `json:"import"`
	Dryrun    StageResult `json:"dryrun"`
}

// Passed reports whether every stage ran and passed.
func (r Report) Passed() bool {
	return r.Lint.Passed && r.Typecheck.Passed && r.Import.Passed && r.Dryrun.Passed
}

// ToMap renders the report for audit payloads and route decisions.
func (r Report) ToMap() map[string]any {
	out := make(map[string]any, 4)
	for name, sr := range map[string]StageResult{
		StageLint:      r.Lint,
		StageTypecheck: r.Typecheck,
		StageImport:    r.Import,
		StageDryrun:    r.Dryrun,
	} {
		out[name] = map[string]any{
			"passed":      sr.Passed,
			"duration_ms": sr.DurationMS,
			"diagnostics": sr.Diagnostics,
			"timed_out":   sr.TimedOut,
			"skipped":     sr.Skipped,
		}
	}
	return out
}

// Options wires the pipeline's collaborators and sandbox shape.
type Options struct {
	Audit         *audit.Logger
	Lint          *rules.Policy
	Sandbox       *sandbox.Executor
	SelfExe       string
	WorkingRoot   string
	ScriptRoots   []string
	WorkflowsRoot string
	Limits        sandbox.Limits
	Network       bool
}

// Pipeline validates one artifact per call. Safe for concurrent use.
type Pipeline struct {
	opts Options
}

// NewPipeline builds a pipeline. Lint falls back to the default policy when
// unset.
func NewPipeline(opts Options) *Pipeline {
	if opts.Lint == nil {
		opts.Lint = rules.NewPolicy()
	}
	if opts.Sandbox == nil {
		opts.Sandbox = sandbox.NewExecutor()
	}
	return &Pipeline{opts: opts}
}

// Run executes the stages in order against the artifact. The input is the
// representative text the dry-run feeds Handle; mode gates whether a
// writing artifact may be dry-run at all.
func (p *Pipeline) Run(ctx context.Context, runID string, artifact *envelope.Artifact, mode envelope.ExecutionMode, input string) *Report {
	report := &Report{}
	module := artifact.Descriptor.Key()

	report.Lint = p.timed(runID, module, StageLint, func() StageResult {
		return p.lint(artifact)
	})
	if !report.Lint.Passed {
		return report
	}

	report.Typecheck = p.timed(runID, module, StageTypecheck, func() StageResult {
		return p.typecheck(artifact)
	})
	if !report.Typecheck.Passed {
		return report
	}

	report.Import = p.timed(runID, module, StageImport, func() StageResult {
		return p.spawnStage(ctx, artifact, "probe", "")
	})
	if !report.Import.Passed {
		return report
	}

	report.Dryrun = p.timed(runID, module, StageDryrun, func() StageResult {
		return p.dryrun(ctx, artifact, mode, input)
	})
	return report
}

// timed runs a stage, stamps its duration, and emits the audit record.
func (p *Pipeline) timed(runID, module, stage string, fn func() StageResult) StageResult {
	start := time.Now()
	result := fn()
	result.DurationMS = time.Since(start).Milliseconds()

	if p.opts.Audit != nil {
		p.opts.Audit.Validation(stage, module, audit.Event{
			RunID: runID,
			Phase: stage,
			Payload: map[string]any{
				"passed":      result.Passed,
				"duration_ms": result.DurationMS,
				"diagnostics": result.Diagnostics,
				"timed_out":   result.TimedOut,
			},
		})
	}
	logging.Get(logging.CategoryValidate).Debug("stage %s: passed=%v in %dms", stage, result.Passed, result.DurationMS)
	return result
}

// lint checks the artifact contract and the datalog policy. Nothing is
// executed.
func (p *Pipeline) lint(artifact *envelope.Artifact) StageResult {
	if _, err := registry.ParseSource(artifact.Path, artifact.Source); err != nil {
		return StageResult{Diagnostics: []string{truncate(err.Error())}}
	}

	report := p.opts.Lint.Check(artifact.Path, artifact.Source)
	if !report.Passed {
		diags := make([]string, 0, len(report.Violations))
		for _, v := range report.Violations {
			diags = append(diags, truncate(fmt.Sprintf("%s: %s", v.Kind, v.Message)))
		}
		return StageResult{Diagnostics: diags}
	}
	return StageResult{Passed: true}
}

// typecheck compiles the artifact in a fresh interpreter without running
// it. The capability bridge is stubbed so composed artifacts resolve.
func (p *Pipeline) typecheck(artifact *envelope.Artifact) (result StageResult) {
	defer func() {
		if r := recover(); r != nil {
			result = StageResult{Diagnostics: []string{truncate(fmt.Sprintf("typecheck panic: %v", r))}}
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return StageResult{Diagnostics: []string{truncate(err.Error())}}
	}
	bridge := interp.Exports{
		"pulsus/capability/capability": {
			"Call": reflect.ValueOf(func(string, string) map[string]interface{} { return nil }),
		},
	}
	if err := i.Use(bridge); err != nil {
		return StageResult{Diagnostics: []string{truncate(err.Error())}}
	}

	if _, err := i.Compile(artifact.Source); err != nil {
		return StageResult{Diagnostics: []string{truncate(err.Error())}}
	}
	return StageResult{Passed: true}
}

// dryrun gates on the write policy, then invokes Handle in the sandbox.
// Pass requires a structured envelope back: success or failure both count,
// a crash or a non-envelope return does not.
func (p *Pipeline) dryrun(ctx context.Context, artifact *envelope.Artifact, mode envelope.ExecutionMode, input string) StageResult {
	if artifact.Descriptor.SafetyLevel.Writes() && mode == envelope.ModePlan {
		return StageResult{
			Skipped:     true,
			Diagnostics: []string{"plan mode blocks writes; dry-run not spawned"},
		}
	}
	return p.spawnStage(ctx, artifact, "dryrun", input)
}

// spawnStage runs the child-process runner in the sandbox for probe and
// dryrun.
func (p *Pipeline) spawnStage(ctx context.Context, artifact *envelope.Artifact, mode, input string) StageResult {
	argv := []string{
		p.opts.SelfExe, "runner",
		"-script", artifact.Path,
		"-mode", mode,
		"-working-root", p.opts.WorkingRoot,
		"-workflows-root", p.opts.WorkflowsRoot,
	}
	if len(p.opts.ScriptRoots) > 0 {
		argv = append(argv, "-script-roots", strings.Join(p.opts.ScriptRoots, ","))
	}
	if p.opts.Limits.MemBytes > 0 {
		argv = append(argv, "-mem-bytes", strconv.FormatInt(p.opts.Limits.MemBytes, 10))
	}
	if mode == "dryrun" {
		argv = append(argv, "-stdin")
	}

	result, err := p.opts.Sandbox.Run(ctx, sandbox.Spec{
		Argv:    argv,
		Stdin:   input,
		Limits:  p.opts.Limits,
		Network: p.opts.Network,
	})
	if err != nil {
		return StageResult{Diagnostics: []string{truncate(fmt.Sprintf("sandbox: %v", err))}}
	}
	if result.TimedOut {
		return StageResult{
			TimedOut:    true,
			Diagnostics: []string{truncate(fmt.Sprintf("timed out after %dms; stderr: %s", result.WallMS, result.Stderr))},
		}
	}

	switch mode {
	case "probe":
		if result.ExitCode != 0 {
			return StageResult{Diagnostics: []string{truncate(fmt.Sprintf("exit %d: %s", result.ExitCode, firstNonEmpty(result.Stderr, result.Stdout)))}}
		}
		return StageResult{Passed: true}
	default:
		// Exit 0 is a success envelope, exit 1 a structured failure
		// envelope. Both pass the dry-run as long as the output parses.
		if result.ExitCode != 0 && result.ExitCode != 1 {
			return StageResult{Diagnostics: []string{truncate(fmt.Sprintf("exit %d: %s", result.ExitCode, firstNonEmpty(result.Stderr, result.Stdout)))}}
		}
		if !isEnvelopeShaped(result.Stdout) {
			return StageResult{Diagnostics: []string{truncate("dry-run output is not an envelope: " + result.Stdout)}}
		}
		return StageResult{Passed: true}
	}
}

func isEnvelopeShaped(output string) bool {
	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &raw); err != nil {
		return false
	}
	_, ok := raw["success"].(bool)
	return ok
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) > maxDiagnosticLen {
		return s[:maxDiagnosticLen] + "..."
	}
	return s
}
