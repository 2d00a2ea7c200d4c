package mcp

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"pulsus/internal/envelope"
)

// AnalysisDomain answers source-census questions about paths and the
// working repository. Both operations are read only.
type AnalysisDomain struct {
	root string
}

// NewAnalysisDomain builds the domain rooted at the configured working
// directory.
func NewAnalysisDomain(root string) *AnalysisDomain {
	if root == "" {
		root = "."
	}
	return &AnalysisDomain{root: root}
}

func (d *AnalysisDomain) Name() string { return "analysis" }

func (d *AnalysisDomain) Operations() []Operation {
	return []Operation{
		{
			Action:      "analyze_path",
			Description: "Analyze the source tree at a path and report a census of files, functions, and types.",
			Safety:      envelope.SafetyReadOnly,
			Params: []envelope.Parameter{
				{Name: "path", TypeTag: "file_path", Required: true},
			},
			Returns: "census",
			Invoke:  d.analyzePath,
		},
		{
			Action:      "analyze_repository",
			Description: "Analyze the working repository and summarize its source population.",
			Safety:      envelope.SafetyReadOnly,
			Params: []envelope.Parameter{
				{Name: "name", TypeTag: "string", Required: false},
			},
			Returns: "census",
			Invoke:  d.analyzeRepository,
		},
	}
}

// resolveTarget picks the census target out of the raw input: the first
// token that names an existing filesystem entry, sigil-stripped, tried both
// as given and relative to the working root. Falls back to the root.
func (d *AnalysisDomain) resolveTarget(input string) string {
	for _, tok := range strings.Fields(input) {
		tok = strings.TrimPrefix(tok, "@")
		tok = strings.Trim(tok, ".,;:!?\"'")
		if tok == "" {
			continue
		}
		if _, err := os.Stat(tok); err == nil {
			return tok
		}
		joined := filepath.Join(d.root, tok)
		if _, err := os.Stat(joined); err == nil {
			return joined
		}
	}
	return d.root
}

func (d *AnalysisDomain) analyzePath(ctx context.Context, input string) *envelope.Envelope {
	target := d.resolveTarget(input)
	census, err := ScanCensus(ctx, target)
	if err != nil {
		return envelope.Failf("analyze_path: %v", err)
	}
	return censusEnvelope(census)
}

func (d *AnalysisDomain) analyzeRepository(ctx context.Context, input string) *envelope.Envelope {
	census, err := ScanCensus(ctx, d.root)
	if err != nil {
		return envelope.Failf("analyze_repository: %v", err)
	}
	return censusEnvelope(census)
}

func censusEnvelope(c *Census) *envelope.Envelope {
	languages := make(map[string]any, len(c.Languages))
	for name, lc := range c.Languages {
		languages[name] = map[string]any{
			"files":     lc.Files,
			"functions": lc.Functions,
			"types":     lc.Types,
			"exported":  lc.Exported,
		}
	}
	return envelope.Ok(map[string]any{
		"text":      c.Text(),
		"path":      c.Path,
		"files":     c.Files,
		"languages": languages,
	})
}
