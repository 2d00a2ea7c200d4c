package mcp

import (
	"context"
	"fmt"
	"time"

	"pulsus/internal/envelope"
	"pulsus/internal/scratch"
)

// RunWorkspace is the slice of the scratch workspace the workflow domain
// needs.
type RunWorkspace interface {
	ListRuns() ([]scratch.RunInfo, error)
	Sweep(now time.Time) (scratch.SweepResult, error)
}

// WorkflowOpsDomain exposes housekeeping over retained runs.
type WorkflowOpsDomain struct {
	runs RunWorkspace
}

// NewWorkflowOpsDomain builds the domain over a scratch workspace.
func NewWorkflowOpsDomain(runs RunWorkspace) *WorkflowOpsDomain {
	return &WorkflowOpsDomain{runs: runs}
}

func (d *WorkflowOpsDomain) Name() string { return "workflow_ops" }

func (d *WorkflowOpsDomain) Operations() []Operation {
	return []Operation{
		{
			Action:      "list_runs",
			Description: "List retained workflow runs and their artifacts.",
			Safety:      envelope.SafetyCached,
			Returns:     "runs",
			Invoke:      d.listRuns,
		},
		{
			Action:      "purge_runs",
			Description: "Purge expired workflow runs from the scratch workspace.",
			Safety:      envelope.SafetyTransactional,
			Returns:     "sweep",
			Invoke:      d.purgeRuns,
		},
	}
}

func (d *WorkflowOpsDomain) listRuns(ctx context.Context, input string) *envelope.Envelope {
	runs, err := d.runs.ListRuns()
	if err != nil {
		return envelope.Failf("list_runs: %v", err)
	}
	items := make([]any, 0, len(runs))
	for _, r := range runs {
		items = append(items, map[string]any{
			"id":       r.ID,
			"mod_time": r.ModTime.UTC().Format(time.RFC3339),
			"artifact": r.Artifact,
		})
	}
	return envelope.CachedResult(map[string]any{
		"text": fmt.Sprintf("%d retained runs", len(runs)),
		"runs": items,
	})
}

func (d *WorkflowOpsDomain) purgeRuns(ctx context.Context, input string) *envelope.Envelope {
	res, err := d.runs.Sweep(time.Now())
	if err != nil {
		return envelope.Failf("purge_runs: %v", err)
	}
	return envelope.Ok(map[string]any{
		"text":    fmt.Sprintf("removed %d expired runs, kept %d", res.Removed, res.Kept),
		"removed": res.Removed,
		"kept":    res.Kept,
	})
}
