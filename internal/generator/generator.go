// Package generator materializes a GENERATE decision: it prompts the
// completion client for a new single-file capability, verifies the response
// against the artifact contract, and writes it to the run-scoped scratch
// directory. The model gets two chances to fix its own mistakes; after that
// the route is blocked.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	goast "go/ast"
	"go/parser"
	"go/token"
	"strings"

	"pulsus/internal/envelope"
	"pulsus/internal/intent"
	"pulsus/internal/llm"
	"pulsus/internal/logging"
	"pulsus/internal/registry"
	"pulsus/internal/rules"
	"pulsus/internal/scorer"
	"pulsus/internal/scratch"
)

const (
	artifactName = "generated.go"
	maxAttempts  = 3 // initial try plus two error-fix retries
	seeAlsoTopK  = 5
)

const systemPrompt = `You are a code generator for a routing agent. You produce exactly one
self-contained Go module and nothing else.

Requirements:
- package main
- String constants: Domain, Action, Description. Optional: Safety (one of
  read_only, cached, write_safe, restricted_write, transactional; default
  read_only), Requires, Returns.
- Exactly one top-level function: func Handle(text string) map[string]any
- Handle returns an envelope-shaped map: on success
  {"success": true, "data": {"text": ...}}, on failure
  {"success": false, "error": "..."}. Never panic; report failures in the
  envelope.
- Imports limited to the safe standard library (strings, strconv, fmt,
  regexp, encoding/json, sort, time, math, unicode, bytes, path, and
  similar). Never import os/exec, net, net/http, syscall, unsafe, plugin,
  or reflect. Never execute code dynamically, never open network
  connections, never touch paths outside the input you are given.

Respond with a single fenced Go code block and no prose.`

// BlockedError signals that the generator exhausted its retries; the router
// turns it into a blocked decision rather than an internal failure.
type BlockedError struct {
	Attempts int
	Reasons  []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("generation blocked after %d attempts: %s",
		e.Attempts, strings.Join(e.Reasons, "; "))
}

// Generator drives prompt construction, response verification, and retry.
type Generator struct {
	client      llm.CompletionClient
	workspace   *scratch.Workspace
	temperature float64
	maxTokens   int
}

// New builds a generator. Non-positive constraint values fall back to the
// deterministic defaults.
func New(client llm.CompletionClient, workspace *scratch.Workspace, temperature float64, maxTokens int) *Generator {
	if temperature <= 0 {
		temperature = 0.2
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &Generator{
		client:      client,
		workspace:   workspace,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

// Generate prompts for a new capability and writes the verified artifact.
func (g *Generator) Generate(ctx context.Context, runID, utterance string, in intent.ParsedIntent, seeAlso []scorer.ScoredCandidate) (*envelope.Artifact, error) {
	userPrompt := g.buildUserPrompt(utterance, in, seeAlso)
	constraints := llm.Constraints{
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
		Stop:        []string{"```\n\n"},
	}

	var reasons []string
	prompt := userPrompt
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		logging.Get(logging.CategoryGenerator).Debug("generation attempt %d/%d", attempt, maxAttempts)

		response, err := g.client.Complete(ctx, systemPrompt, prompt, constraints)
		if err != nil {
			return nil, fmt.Errorf("completion failed: %w", err)
		}

		code := extractCodeBlock(response, "go")
		descriptor, err := verifyModule(code)
		if err == nil {
			path, werr := g.workspace.WriteArtifact(runID, artifactName, []byte(code))
			if werr != nil {
				return nil, fmt.Errorf("write generated artifact: %w", werr)
			}
			logging.Get(logging.CategoryGenerator).Info("generated %s on attempt %d at %s",
				descriptor.Key(), attempt, path)
			return &envelope.Artifact{
				Path:       path,
				Source:     code,
				Descriptor: descriptor,
			}, nil
		}

		reasons = append(reasons, err.Error())
		logging.Get(logging.CategoryGenerator).Warn("attempt %d rejected: %v", attempt, err)
		prompt = fixPrompt(userPrompt, code, err)
	}

	return nil, &BlockedError{Attempts: maxAttempts, Reasons: reasons}
}

func (g *Generator) buildUserPrompt(utterance string, in intent.ParsedIntent, seeAlso []scorer.ScoredCandidate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Build a capability for this request:\n\n%s\n\n", utterance)

	intentJSON, err := json.Marshal(in)
	if err == nil {
		fmt.Fprintf(&sb, "Parsed intent:\n%s\n\n", intentJSON)
	}

	if len(seeAlso) > 0 {
		sb.WriteString("Existing capabilities for reference (do not duplicate them exactly):\n")
		limit := len(seeAlso)
		if limit > seeAlsoTopK {
			limit = seeAlsoTopK
		}
		for _, c := range seeAlso[:limit] {
			fmt.Fprintf(&sb, "- %s: %s (returns %s)\n",
				c.Descriptor.Key(), c.Descriptor.Description, c.Descriptor.Returns)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`Envelope schema Handle must return:
{
  "success": bool,
  "data": {"text": string, ...},      // present when success
  "error": string,                     // present when failure
  "status": "blocked"|"partial"        // optional
}
`)
	return sb.String()
}

func fixPrompt(original, code string, verr error) string {
	var sb strings.Builder
	sb.WriteString(original)
	sb.WriteString("\n\nYour previous response was rejected: ")
	sb.WriteString(verr.Error())
	sb.WriteString("\n\nPrevious response:\n```go\n")
	sb.WriteString(code)
	sb.WriteString("\n```\n\nFix the problem and respond with the corrected module only.")
	return sb.String()
}

// verifyModule checks the response against the artifact contract and the
// lint policy before anything is written to disk.
func verifyModule(code string) (envelope.Descriptor, error) {
	if strings.TrimSpace(code) == "" {
		return envelope.Descriptor{}, fmt.Errorf("empty response")
	}

	descriptor, err := registry.ParseSource(artifactName, code)
	if err != nil {
		return envelope.Descriptor{}, err
	}
	if n := countHandleFuncs(code); n != 1 {
		return envelope.Descriptor{}, fmt.Errorf("module defines %d Handle functions, want exactly 1", n)
	}

	report := rules.NewPolicy().Check(artifactName, code)
	if !report.Passed {
		msgs := make([]string, len(report.Violations))
		for i, v := range report.Violations {
			msgs[i] = v.Message
		}
		return envelope.Descriptor{}, fmt.Errorf("policy violations: %s", strings.Join(msgs, "; "))
	}
	return descriptor, nil
}

func countHandleFuncs(code string) int {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, artifactName, code, 0)
	if err != nil {
		return 0
	}
	n := 0
	for _, decl := range file.Decls {
		if fn, ok := decl.(*goast.FuncDecl); ok && fn.Name.Name == "Handle" && fn.Recv == nil {
			n++
		}
	}
	return n
}

// extractCodeBlock pulls the first fenced code block out of a model
// response, tolerating a missing language tag or missing closing fence.
func extractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```" + lang + "\r\n",
		"```\n",
	}
	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			if end := strings.Index(text[start:], "```"); end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
			return strings.TrimSpace(text[start:])
		}
	}
	return strings.TrimSpace(text)
}
