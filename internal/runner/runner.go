// Package runner is the child-process side of the sandbox. The parent
// spawns "pulsus runner" with an artifact path and a mode; the child hosts
// the artifact in a yaegi interpreter, calls Handle, and prints the
// resulting envelope as JSON on stdout. Nothing here is reachable from the
// public CLI surface except through the hidden subcommand.
package runner

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"pulsus/internal/envelope"
	"pulsus/internal/scratch"
)

// Exit codes the parent interprets. Infra failures are distinct from an
// artifact that ran and reported failure.
const (
	ExitOK       = 0
	ExitHandle   = 1 // Handle ran and returned a failure envelope
	ExitLoad     = 2 // artifact could not be loaded or violates the allowlist
	ExitBadUsage = 64
)

// Options carries everything the child needs to host an artifact.
type Options struct {
	Script        string
	Mode          string // probe, dryrun, call
	WorkingRoot   string
	ScriptRoots   []string
	WorkflowsRoot string
	MemBytes      int64
	CPUMS         int
	ReadStdin     bool
	Input         string
}

// Run parses argv, hosts the artifact, and returns the process exit code.
func Run(argv []string) int {
	opts, err := parseArgs(argv)
	if err != nil {
		emit(envelope.Failf("runner: %v", err))
		return ExitBadUsage
	}

	// Belt and braces: the parent already constrains the process, but the
	// child pins its own rlimits too in case it was spawned another way.
	applySelfLimits(opts.MemBytes, opts.CPUMS)

	source, err := os.ReadFile(opts.Script)
	if err != nil {
		emit(envelope.Failf("runner: read artifact: %v", err))
		return ExitLoad
	}

	host := newHost(opts)
	handle, err := host.load(opts.Script, string(source))
	if err != nil {
		emit(envelope.Failf("runner: %v", err))
		return ExitLoad
	}

	switch opts.Mode {
	case "probe":
		emit(envelope.Ok(map[string]any{
			"text":   "artifact loaded, Handle resolved",
			"script": opts.Script,
		}))
		return ExitOK
	case "dryrun", "call":
		input := opts.Input
		if opts.ReadStdin {
			data, err := readAll(os.Stdin)
			if err != nil {
				emit(envelope.Failf("runner: read stdin: %v", err))
				return ExitBadUsage
			}
			input = data
		}
		result := invokeHandle(handle, input)
		emit(result)
		if !result.Success {
			return ExitHandle
		}
		return ExitOK
	default:
		emit(envelope.Failf("runner: unknown mode %q", opts.Mode))
		return ExitBadUsage
	}
}

func parseArgs(argv []string) (*Options, error) {
	fs := flag.NewFlagSet("runner", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &Options{}
	var scriptRoots string
	fs.StringVar(&opts.Script, "script", "", "artifact path to host")
	fs.StringVar(&opts.Mode, "mode", "dryrun", "probe, dryrun, or call")
	fs.StringVar(&opts.WorkingRoot, "working-root", "", "root for analysis operations")
	fs.StringVar(&scriptRoots, "script-roots", "", "comma-separated script directories")
	fs.StringVar(&opts.WorkflowsRoot, "workflows-root", "", "scratch workspace root")
	fs.Int64Var(&opts.MemBytes, "mem-bytes", 0, "address-space limit")
	fs.IntVar(&opts.CPUMS, "cpu-ms", 0, "cpu time limit")
	fs.BoolVar(&opts.ReadStdin, "stdin", false, "read Handle input from stdin")
	fs.StringVar(&opts.Input, "input", "", "Handle input text")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	if opts.Script == "" {
		return nil, fmt.Errorf("missing -script")
	}
	if scriptRoots != "" {
		for _, root := range strings.Split(scriptRoots, ",") {
			if root = strings.TrimSpace(root); root != "" {
				opts.ScriptRoots = append(opts.ScriptRoots, root)
			}
		}
	}
	return opts, nil
}

// invokeHandle calls the artifact's Handle with a panic boundary. A panic
// becomes a failure envelope; the process never dies with a bare stack.
func invokeHandle(handle func(string) map[string]interface{}, input string) (env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			env = envelope.Failf("artifact panicked: %v", r)
		}
	}()
	raw := handle(input)
	return envelope.FromMap(raw)
}

func emit(env *envelope.Envelope) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(env.AsMap()); err != nil {
		fmt.Fprintf(os.Stderr, "runner: encode envelope: %v\n", err)
	}
}

func readAll(f *os.File) (string, error) {
	data, err := io.ReadAll(f)
	return string(data), err
}

// runWorkspace builds the scratch view workflow operations need when an
// artifact calls back into workflow_ops through the capability bridge.
func runWorkspace(workflowsRoot string) *scratch.Workspace {
	return scratch.New(workflowsRoot, 7)
}
