// Package mcp holds the class-based capability domains compiled into the
// core. Each domain exposes a set of operations that normalize into the
// same descriptor shape as user scripts, but their handlers run in-process:
// the sandbox exists to contain generated and user code, not the core's
// own operations. Safety levels are declared here as data and registered
// with the policy at startup, never inferred.
package mcp

import (
	"context"

	"pulsus/internal/envelope"
)

// InvokeFunc executes one operation against the raw input text and returns
// an envelope. Implementations must not panic; the registry wraps calls
// with a recovery boundary regardless.
type InvokeFunc func(ctx context.Context, input string) *envelope.Envelope

// Operation is one routable action of a domain.
type Operation struct {
	Action               string
	Description          string
	Safety               envelope.SafetyLevel
	RequiresConfirmation bool
	Params               []envelope.Parameter
	Returns              string
	Invoke               InvokeFunc
}

// Domain groups operations under a common capability name.
type Domain interface {
	Name() string
	Operations() []Operation
}

// Locator is the opaque reference recorded in descriptors for class-backed
// operations.
func Locator(domain, action string) string {
	return "mcp:" + domain + "." + action
}

// Builtin returns the domains compiled into pulsus: source analysis,
// user-script maintenance, and workflow housekeeping.
func Builtin(workingRoot string, scriptRoots []string, runs RunWorkspace) []Domain {
	return []Domain{
		NewAnalysisDomain(workingRoot),
		NewScriptOpsDomain(scriptRoots),
		NewWorkflowOpsDomain(runs),
	}
}
