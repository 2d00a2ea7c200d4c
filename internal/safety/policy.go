// Package safety implements the write gate every routing cycle consults
// before an operation may touch the world. The policy keeps a registration
// table of operations with their declared safety levels and answers
// allow/deny/require_confirm for a (domain, action, mode) triple. The table
// is deterministic: the same triple always yields the same verdict.
package safety

import (
	"fmt"
	"sync"

	"pulsus/internal/envelope"
	"pulsus/internal/logging"
)

// Verdict is the outcome of a policy check.
type Verdict string

const (
	VerdictAllow          Verdict = "allow"
	VerdictDeny           Verdict = "deny"
	VerdictRequireConfirm Verdict = "require_confirm"
)

// Decision carries the verdict and, for denials, the reason.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Allowed reports whether the operation may proceed without further input.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// OperationSpec is the registration payload for one operation.
type OperationSpec struct {
	// RequiresConfirmation forces a confirmation in execute mode even when
	// the level alone would allow the operation.
	RequiresConfirmation bool
	// AllowedTypeTags is the closed set of type tags a restricted_write
	// operation accepts. Empty means the operation declares no restriction.
	AllowedTypeTags []string
}

type operation struct {
	level envelope.SafetyLevel
	spec  OperationSpec
	tags  map[string]bool
}

// Policy is the registration table plus the process-wide execution mode.
// All methods are safe for concurrent use; the router snapshots the mode
// once per cycle so a mid-cycle SetMode never splits a decision.
type Policy struct {
	mu        sync.RWMutex
	mode      envelope.ExecutionMode
	ops       map[string]*operation
	platform  map[string]bool
	confirmFn func(token string) bool
}

// New returns a policy in plan mode with an empty table.
func New() *Policy {
	return &Policy{
		mode:     envelope.ModePlan,
		ops:      make(map[string]*operation),
		platform: make(map[string]bool),
	}
}

// SetMode atomically replaces the execution mode.
func (p *Policy) SetMode(m envelope.ExecutionMode) {
	p.mu.Lock()
	p.mode = m
	p.mu.Unlock()
	logging.Get(logging.CategoryRouter).Info("execution mode set to %s", m)
}

// Mode returns the current execution mode. Callers that need a consistent
// mode across several checks snapshot this once and pass it explicitly.
func (p *Policy) Mode() envelope.ExecutionMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// RegisterOperation records (domain, action) at the given level. Re-registering
// overwrites; the registry relies on that during refresh.
func (p *Policy) RegisterOperation(domain, action string, level envelope.SafetyLevel, spec OperationSpec) {
	op := &operation{level: level, spec: spec, tags: make(map[string]bool, len(spec.AllowedTypeTags))}
	for _, t := range spec.AllowedTypeTags {
		op.tags[t] = true
	}
	p.mu.Lock()
	p.ops[domain+"."+action] = op
	p.mu.Unlock()
}

// RegisterPlatformTag whitelists a type tag platform-wide. Restricted
// writes accept whitelisted tags even when their own allowed set omits them.
func (p *Policy) RegisterPlatformTag(tag string) {
	p.mu.Lock()
	p.platform[tag] = true
	p.mu.Unlock()
}

func (p *Policy) lookup(domain, action string) (*operation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	op, ok := p.ops[domain+"."+action]
	return op, ok
}

// ValidateOperation evaluates the policy table for the operation under the
// given mode. Unknown operations are treated as writes of unknown blast
// radius: denied in plan mode, confirm-gated in execute mode.
func (p *Policy) ValidateOperation(domain, action string, mode envelope.ExecutionMode) Decision {
	op, known := p.lookup(domain, action)
	if !known {
		switch mode {
		case envelope.ModeUnsafe:
			return Decision{Verdict: VerdictAllow}
		case envelope.ModeExecute:
			return Decision{Verdict: VerdictRequireConfirm, Reason: fmt.Sprintf("operation %s.%s is not registered", domain, action)}
		default:
			return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("plan mode blocks unregistered operation %s.%s", domain, action)}
		}
	}

	switch op.level {
	case envelope.SafetyReadOnly, envelope.SafetyCached:
		if mode == envelope.ModeExecute && op.spec.RequiresConfirmation {
			return Decision{Verdict: VerdictRequireConfirm, Reason: fmt.Sprintf("%s.%s requires explicit confirmation", domain, action)}
		}
		return Decision{Verdict: VerdictAllow}
	case envelope.SafetyWriteSafe, envelope.SafetyRestrictedWrite, envelope.SafetyTransactional:
		switch mode {
		case envelope.ModePlan:
			return Decision{Verdict: VerdictDeny, Reason: "plan mode blocks writes"}
		case envelope.ModeExecute:
			return Decision{Verdict: VerdictRequireConfirm, Reason: fmt.Sprintf("%s.%s writes at level %s", domain, action, op.level)}
		default:
			return Decision{Verdict: VerdictAllow}
		}
	}
	return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("operation %s.%s has unknown safety level %q", domain, action, op.level)}
}

// CheckTypeSafety verifies a runtime type tag against the operation's
// allowed set or the platform whitelist. Only restricted_write operations
// restrict tags; every other level accepts any tag.
func (p *Policy) CheckTypeSafety(tag, domain, action string) error {
	op, known := p.lookup(domain, action)
	if !known {
		return fmt.Errorf("operation %s.%s is not registered", domain, action)
	}
	if op.level != envelope.SafetyRestrictedWrite {
		return nil
	}
	p.mu.RLock()
	platformOK := p.platform[tag]
	p.mu.RUnlock()
	if op.tags[tag] || platformOK {
		return nil
	}
	return fmt.Errorf("type tag %q is not allowed for %s.%s", tag, domain, action)
}

// Confirm resolves a confirmation token. Tokens are opaque: the default
// acceptance rule is any non-empty token, and callers embedding pulsus can
// install their own check.
func (p *Policy) Confirm(token string) bool {
	p.mu.RLock()
	fn := p.confirmFn
	p.mu.RUnlock()
	if fn != nil {
		return fn(token)
	}
	return token != ""
}

// SetConfirmFunc installs a custom confirmation-token check.
func (p *Policy) SetConfirmFunc(fn func(token string) bool) {
	p.mu.Lock()
	p.confirmFn = fn
	p.mu.Unlock()
}
