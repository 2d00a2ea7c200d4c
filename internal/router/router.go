// Package router orchestrates one routing cycle: parse the utterance,
// discover and rank capabilities, choose a policy, materialize an artifact
// when needed, validate it, and hand the caller a RouteDecision to approve
// or reject. All internal failures fold into the decision; the error return
// is reserved for context cancellation.
package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulsus/internal/audit"
	"pulsus/internal/composer"
	"pulsus/internal/envelope"
	"pulsus/internal/generator"
	"pulsus/internal/history"
	"pulsus/internal/intent"
	"pulsus/internal/logging"
	"pulsus/internal/registry"
	"pulsus/internal/safety"
	"pulsus/internal/scorer"
	"pulsus/internal/selector"
	"pulsus/internal/validate"
)

// State is one node of the routing state machine.
type State string

const (
	StateStart            State = "START"
	StateParsing          State = "PARSING"
	StateDiscovered       State = "DISCOVERED"
	StatePolicyChosen     State = "POLICY_CHOSEN"
	StateMaterializing    State = "MATERIALIZING"
	StateValidating       State = "VALIDATING"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateBlocked          State = "BLOCKED"
	StateApproved         State = "APPROVED"
	StateRejected         State = "REJECTED"
	StateTimedOut         State = "TIMED_OUT"
)

// maxDecisionCandidates caps how much of the ranking a decision carries.
const maxDecisionCandidates = 10

// Options shape one Route call.
type Options struct {
	Mode              envelope.ExecutionMode
	CallerID          string
	SessionID         string
	ConfirmationToken string
	// DryRun stops the cycle at the decision: Decide refuses to finalize
	// it, so nothing is ever approved.
	DryRun   bool
	Deadline time.Duration
}

// RouteDecision is the router output. It is created in AWAITING_APPROVAL or
// BLOCKED and finalized by Decide.
type RouteDecision struct {
	RunID                string                 `json:"run_id"`
	Policy               selector.Policy        `json:"policy"`
	ArtifactPath         string                 `json:"artifact_path,omitempty"`
	Candidates           []scorer.ScoredCandidate `json:"candidates,omitempty"`
	Validation           validate.Report        `json:"validation"`
	Approved             bool                   `json:"approved"`
	State                State                  `json:"state"`
	Reason               string                 `json:"reason,omitempty"`
	Error                string                 `json:"error,omitempty"`
	Mode                 envelope.ExecutionMode `json:"mode"`
	RequiresConfirmation bool                   `json:"requires_confirmation,omitempty"`
	DryRun               bool                   `json:"dry_run,omitempty"`

	// selected is the capability whose outcome Decide records in history.
	selected   *envelope.Descriptor
	startedAt  time.Time
	deadlineAt time.Time
}

// ToMap is the JSON-safe rendering a terminal consumes.
func (d *RouteDecision) ToMap() map[string]any {
	cands := make([]map[string]any, 0, len(d.Candidates))
	for _, c := range d.Candidates {
		cands = append(cands, map[string]any{
			"key":   c.Descriptor.Key(),
			"score": c.Score,
			"score_breakdown": map[string]any{
				"name":    c.Breakdown.Name,
				"doc":     c.Breakdown.Doc,
				"history": c.Breakdown.History,
			},
		})
	}
	return map[string]any{
		"run_id":                d.RunID,
		"policy":                string(d.Policy),
		"artifact_path":         d.ArtifactPath,
		"candidates":            cands,
		"validation":            d.Validation.ToMap(),
		"approved":              d.Approved,
		"state":                 string(d.State),
		"reason":                d.Reason,
		"error":                 d.Error,
		"mode":                  string(d.Mode),
		"requires_confirmation": d.RequiresConfirmation,
	}
}

// Approval is the caller's verdict on an AWAITING_APPROVAL decision.
type Approval struct {
	Approved bool
	Token    string
}

// Deps wires the router's collaborators. All fields except Generator are
// required; a nil Generator turns GENERATE routes into blocked decisions.
type Deps struct {
	Registry  *registry.Registry
	Policy    *safety.Policy
	Audit     *audit.Logger
	History   *history.Store
	Parser    *intent.Parser
	Scorer    *scorer.Scorer
	Selector  *selector.Selector
	Composer  *composer.Composer
	Generator *generator.Generator
	Pipeline  *validate.Pipeline
}

// Router runs routing cycles. Safe for concurrent Route calls: the
// registry, policy, audit logger, and history store all serialize
// internally, and everything else here is per-cycle state.
type Router struct {
	deps Deps
	log  *logging.Logger
}

// New builds a router over the given collaborators.
func New(deps Deps) *Router {
	return &Router{deps: deps, log: logging.Get(logging.CategoryRouter)}
}

// Route runs one full cycle. The returned decision is in
// AWAITING_APPROVAL or BLOCKED; pass it to Decide to finalize.
func (r *Router) Route(ctx context.Context, utterance string, opts Options) (decision *RouteDecision, err error) {
	runID := uuid.NewString()
	mode := r.snapshotMode(opts.Mode)
	start := time.Now()

	decision = &RouteDecision{
		RunID:     runID,
		Policy:    selector.PolicyGenerate,
		Mode:      mode,
		State:     StateStart,
		DryRun:    opts.DryRun,
		startedAt: start,
	}
	if opts.Deadline > 0 {
		decision.deadlineAt = start.Add(opts.Deadline)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("routing cycle %s panicked: %v", runID, rec)
			decision.State = StateBlocked
			decision.Policy = selector.PolicyGenerate
			decision.Approved = false
			decision.Error = fmt.Sprintf("internal error: %v", rec)
			r.transition(decision, StateBlocked, map[string]any{"error": decision.Error})
			err = nil
		}
		if decision != nil && decision.State == StateBlocked {
			r.deps.Audit.EndRun(runID)
			return
		}
		r.deps.Audit.Flush(runID)
	}()

	r.transition(decision, StateParsing, map[string]any{
		"utterance": utterance,
		"caller_id": opts.CallerID,
		"session":   opts.SessionID,
		"mode":      string(mode),
	})

	if strings.TrimSpace(utterance) == "" {
		decision.Error = "invalid input: empty utterance"
		decision.Reason = "empty utterance parses with zero confidence"
		r.transition(decision, StateBlocked, map[string]any{"error": decision.Error})
		decision.State = StateBlocked
		return decision, nil
	}

	in := r.deps.Parser.Parse(utterance)

	ranked := r.deps.Scorer.Rank(in, r.deps.Registry.Candidates(in))
	decision.Candidates = topCandidates(ranked)
	r.transition(decision, StateDiscovered, map[string]any{
		"intent":     in,
		"candidates": len(ranked),
	})

	choice := r.deps.Selector.Choose(in, ranked)
	decision.Policy = choice.Policy
	decision.Reason = choice.Reason
	r.transition(decision, StatePolicyChosen, map[string]any{
		"policy": string(choice.Policy),
		"reason": choice.Reason,
	})

	artifact, blockedErr := r.materialize(ctx, decision, utterance, in, choice, ranked)
	if blockedErr != nil {
		// Outer cancellation aborts the call; a self-imposed deadline folds
		// into a blocked decision like any other stage failure.
		if ctx.Err() != nil && opts.Deadline == 0 {
			return nil, ctx.Err()
		}
		decision.Error = blockedErr.Error()
		decision.State = StateBlocked
		r.transition(decision, StateBlocked, map[string]any{"error": decision.Error})
		return decision, nil
	}

	r.transition(decision, StateValidating, map[string]any{"artifact_path": decision.ArtifactPath})
	if artifact != nil {
		decision.Validation = *r.deps.Pipeline.Run(ctx, runID, artifact, mode, utterance)
		r.deps.Audit.SaveArtifact(runID, "go", []byte(artifact.Source))
	} else {
		decision.Validation = r.builtinReport(decision, mode)
	}

	if ctx.Err() != nil && opts.Deadline == 0 {
		return nil, ctx.Err()
	}

	if !decision.Validation.Passed() {
		decision.State = StateBlocked
		r.transition(decision, StateBlocked, map[string]any{"validation": decision.Validation.ToMap()})
		r.recordOutcome(decision, false)
		return decision, nil
	}

	decision.State = StateAwaitingApproval
	r.transition(decision, StateAwaitingApproval, map[string]any{
		"artifact_path":         decision.ArtifactPath,
		"requires_confirmation": decision.RequiresConfirmation,
	})
	return decision, nil
}

// Decide finalizes an AWAITING_APPROVAL decision with the caller's verdict
// and records the outcome in history.
func (r *Router) Decide(decision *RouteDecision, approval Approval) error {
	if decision.State != StateAwaitingApproval {
		return fmt.Errorf("decision %s is %s, not awaiting approval", decision.RunID, decision.State)
	}
	if decision.DryRun {
		return fmt.Errorf("decision %s was routed dry-run and cannot be finalized", decision.RunID)
	}
	defer func() {
		r.deps.Audit.Flush(decision.RunID)
		r.deps.Audit.EndRun(decision.RunID)
	}()

	if !decision.deadlineAt.IsZero() && time.Now().After(decision.deadlineAt) {
		decision.State = StateTimedOut
		decision.Approved = false
		r.transition(decision, StateTimedOut, nil)
		r.recordOutcome(decision, false)
		return nil
	}

	if approval.Approved && decision.RequiresConfirmation && !r.deps.Policy.Confirm(approval.Token) {
		decision.State = StateRejected
		decision.Approved = false
		decision.Reason = "confirmation token rejected"
		r.transition(decision, StateRejected, map[string]any{"reason": decision.Reason})
		r.recordOutcome(decision, false)
		return nil
	}

	if approval.Approved {
		decision.State = StateApproved
		decision.Approved = true
		r.transition(decision, StateApproved, map[string]any{"artifact_path": decision.ArtifactPath})
		r.recordOutcome(decision, true)
		return nil
	}

	decision.State = StateRejected
	decision.Approved = false
	r.transition(decision, StateRejected, nil)
	r.recordOutcome(decision, false)
	return nil
}

// snapshotMode resolves the effective mode once at entry. An in-flight
// cycle never observes a concurrent SetMode.
func (r *Router) snapshotMode(requested envelope.ExecutionMode) envelope.ExecutionMode {
	if requested != "" {
		return requested
	}
	return r.deps.Policy.Mode()
}

// materialize produces the artifact for the chosen policy. SELECT of an
// mcp-backed capability returns a nil artifact: there is no source file to
// validate, only a policy check.
func (r *Router) materialize(ctx context.Context, decision *RouteDecision, utterance string, in intent.ParsedIntent, choice selector.Choice, ranked []scorer.ScoredCandidate) (*envelope.Artifact, error) {
	switch choice.Policy {
	case selector.PolicySelect:
		d := choice.Selected.Descriptor
		decision.selected = &d
		decision.ArtifactPath = d.Locator
		decision.RequiresConfirmation = d.SafetyLevel.RequiresConfirmation(decision.Mode)
		if d.Provider != envelope.ProviderUserScript {
			return nil, nil
		}
		src, err := os.ReadFile(d.Locator)
		if err != nil {
			return nil, fmt.Errorf("selected script unreadable: %w", err)
		}
		return &envelope.Artifact{Path: d.Locator, Source: string(src), Descriptor: d}, nil

	case selector.PolicyCompose:
		r.transition(decision, StateMaterializing, map[string]any{"chain": chainKeys(choice.Chain)})
		artifact, err := r.deps.Composer.Compose(decision.RunID, utterance, choice.Chain)
		if err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}
		d := artifact.Descriptor
		decision.selected = &d
		decision.ArtifactPath = artifact.Path
		decision.RequiresConfirmation = d.SafetyLevel.RequiresConfirmation(decision.Mode)
		return artifact, nil

	default:
		if r.deps.Generator == nil {
			return nil, errors.New("generator unavailable: no completion client configured")
		}
		r.transition(decision, StateMaterializing, map[string]any{"see_also": chainKeys(ranked)})
		artifact, err := r.deps.Generator.Generate(ctx, decision.RunID, utterance, in, ranked)
		if err != nil {
			var blocked *generator.BlockedError
			if errors.As(err, &blocked) {
				return nil, fmt.Errorf("generator blocked: %w", blocked)
			}
			return nil, fmt.Errorf("generator: %w", err)
		}
		decision.ArtifactPath = artifact.Path
		decision.RequiresConfirmation = artifact.Descriptor.SafetyLevel.RequiresConfirmation(decision.Mode)
		return artifact, nil
	}
}

// builtinReport validates a SELECT of an mcp-backed capability. The code
// is trusted, so lint through import pass by construction; the dry-run
// stage reduces to the safety table.
func (r *Router) builtinReport(decision *RouteDecision, mode envelope.ExecutionMode) validate.Report {
	trusted := validate.StageResult{Passed: true, Diagnostics: []string{"builtin capability"}}
	report := validate.Report{Lint: trusted, Typecheck: trusted, Import: trusted}

	d := decision.selected
	verdict := r.deps.Policy.ValidateOperation(d.Domain, d.Action, mode)
	switch verdict.Verdict {
	case safety.VerdictDeny:
		report.Dryrun = validate.StageResult{
			Skipped:     true,
			Diagnostics: []string{verdict.Reason},
		}
	case safety.VerdictRequireConfirm:
		decision.RequiresConfirmation = true
		report.Dryrun = validate.StageResult{
			Passed:      true,
			Diagnostics: []string{"requires confirmation: " + verdict.Reason},
		}
	default:
		report.Dryrun = validate.StageResult{Passed: true}
	}
	return report
}

// recordOutcome feeds the history store so future rankings learn from this
// cycle. Generated artifacts have no registered capability to attribute.
func (r *Router) recordOutcome(decision *RouteDecision, success bool) {
	if decision.selected == nil || r.deps.History == nil {
		return
	}
	elapsed := time.Since(decision.startedAt).Milliseconds()
	if err := r.deps.History.Record(decision.selected.Domain, decision.selected.Action, success, decision.RunID, elapsed); err != nil {
		r.log.Warn("history record failed for %s: %v", decision.selected.Key(), err)
	}
}

func (r *Router) transition(decision *RouteDecision, to State, payload map[string]any) {
	r.log.Debug("run %s: %s -> %s", decision.RunID, decision.State, to)
	decision.State = to
	r.deps.Audit.Emit(audit.Event{
		RunID:   decision.RunID,
		Phase:   strings.ToLower(string(to)),
		RouteID: decision.RunID,
		Payload: payload,
	})
}

func topCandidates(ranked []scorer.ScoredCandidate) []scorer.ScoredCandidate {
	if len(ranked) <= maxDecisionCandidates {
		return ranked
	}
	return ranked[:maxDecisionCandidates]
}

func chainKeys(chain []scorer.ScoredCandidate) []string {
	keys := make([]string, 0, len(chain))
	for _, c := range chain {
		keys = append(keys, c.Descriptor.Key())
	}
	return keys
}
