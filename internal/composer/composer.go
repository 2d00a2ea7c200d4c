// Package composer materializes a COMPOSE decision: a single-file module
// whose Handle pipes text through the selected capability chain via the
// capability bridge. Each step's data.text becomes the next step's input;
// the first failure halts the chain and comes back unchanged with the
// accumulated trace prepended.
package composer

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"pulsus/internal/envelope"
	"pulsus/internal/logging"
	"pulsus/internal/scorer"
	"pulsus/internal/scratch"
)

const artifactName = "composed.go"

var chainTemplate = template.Must(template.New("composed").Parse(`// Composed chain for: {{.Utterance}}
// Plan:
{{- range .Steps}}
//   {{.Index}}. {{.Key}} ({{.Locator}})
{{- end}}
package main

import (
	"pulsus/capability"
)

const Domain = {{printf "%q" .Domain}}
const Action = {{printf "%q" .Action}}
const Description = {{printf "%q" .Description}}
const Safety = {{printf "%q" .Safety}}
const Requires = {{printf "%q" .Requires}}
const Returns = {{printf "%q" .Returns}}

var steps = []string{
{{- range .Steps}}
	{{printf "%q" .Locator}},
{{- end}}
}

func Handle(text string) map[string]any {
	input := text
	var trace []any
	var last map[string]any
	for _, step := range steps {
		out := capability.Call(step, input)
		if prior, ok := out["trace"].([]any); ok {
			trace = append(trace, prior...)
		}
		trace = append(trace, step)
		success, _ := out["success"].(bool)
		if !success {
			out["trace"] = trace
			return out
		}
		if data, ok := out["data"].(map[string]any); ok {
			if next, ok := data["text"].(string); ok {
				input = next
			}
		}
		last = out
	}
	if last == nil {
		return map[string]any{"success": false, "error": "empty chain"}
	}
	last["trace"] = trace
	return last
}
`))

type templateStep struct {
	Index   int
	Key     string
	Locator string
}

type templateData struct {
	Utterance   string
	Domain      string
	Action      string
	Description string
	Safety      string
	Requires    string
	Returns     string
	Steps       []templateStep
}

// Composer renders chain artifacts into the scratch workspace.
type Composer struct {
	workspace *scratch.Workspace
}

// New builds a composer over the given workspace.
func New(workspace *scratch.Workspace) *Composer {
	return &Composer{workspace: workspace}
}

// Compose renders the chain module, writes it under the run directory, and
// returns the artifact with its synthesized descriptor.
func (c *Composer) Compose(runID, utterance string, chain []scorer.ScoredCandidate) (*envelope.Artifact, error) {
	if len(chain) < 2 {
		return nil, fmt.Errorf("compose needs at least two steps, got %d", len(chain))
	}

	descriptor := chainDescriptor(chain)
	data := templateData{
		Utterance:   sanitizeComment(utterance),
		Domain:      descriptor.Domain,
		Action:      descriptor.Action,
		Description: descriptor.Description,
		Safety:      descriptor.SafetyLevel.String(),
		Requires:    firstRequires(chain[0].Descriptor),
		Returns:     descriptor.Returns,
	}
	for i, step := range chain {
		data.Steps = append(data.Steps, templateStep{
			Index:   i + 1,
			Key:     step.Descriptor.Key(),
			Locator: step.Descriptor.Locator,
		})
	}

	var buf bytes.Buffer
	if err := chainTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render chain: %w", err)
	}

	path, err := c.workspace.WriteArtifact(runID, artifactName, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("write chain artifact: %w", err)
	}

	logging.Get(logging.CategoryComposer).Info("composed %d-step chain %s at %s",
		len(chain), descriptor.Key(), path)

	return &envelope.Artifact{
		Path:       path,
		Source:     buf.String(),
		Descriptor: descriptor,
	}, nil
}

// chainDescriptor synthesizes the composed capability's descriptor: the
// chain's identity joins the step actions, and safety is the most
// restrictive level any step declares.
func chainDescriptor(chain []scorer.ScoredCandidate) envelope.Descriptor {
	actions := make([]string, len(chain))
	keys := make([]string, len(chain))
	for i, step := range chain {
		actions[i] = step.Descriptor.Action
		keys[i] = step.Descriptor.Key()
	}

	last := chain[len(chain)-1].Descriptor
	return envelope.Descriptor{
		Domain:      "composed",
		Action:      strings.Join(actions, "_then_"),
		Description: "Composed chain: " + strings.Join(keys, " -> "),
		Returns:     last.Returns,
		SafetyLevel: strictestSafety(chain),
		Provider:    envelope.ProviderUserScript,
	}
}

var safetyRank = map[envelope.SafetyLevel]int{
	envelope.SafetyCached:          0,
	envelope.SafetyReadOnly:        1,
	envelope.SafetyWriteSafe:       2,
	envelope.SafetyRestrictedWrite: 3,
	envelope.SafetyTransactional:   4,
}

func strictestSafety(chain []scorer.ScoredCandidate) envelope.SafetyLevel {
	strictest := envelope.SafetyCached
	for _, step := range chain {
		if safetyRank[step.Descriptor.SafetyLevel] > safetyRank[strictest] {
			strictest = step.Descriptor.SafetyLevel
		}
	}
	return strictest
}

func firstRequires(d envelope.Descriptor) string {
	tags := d.InputTypeTags()
	if len(tags) > 0 {
		return strings.Join(tags, ",")
	}
	return "text"
}

func sanitizeComment(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}
