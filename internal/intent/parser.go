// Package intent turns a raw utterance into a structured routing intent
// without ever consulting the LLM. Parsing is a pure function of the
// utterance, the configured working root, and filesystem existence, which
// keeps the deterministic phases of a routing cycle replayable.
package intent

import (
	"os"
	"path/filepath"
	"strings"

	"pulsus/internal/logging"
)

// PathSigil marks a token as an explicit filesystem path.
const PathSigil = '@'

// ParsedIntent is the parser output consumed by scorer and selector.
type ParsedIntent struct {
	Domain        string   `json:"domain,omitempty"`
	Action        string   `json:"action,omitempty"`
	RawTokens     []string `json:"raw_tokens"`
	ExplicitPaths []string `json:"explicit_paths,omitempty"`
	ImplicitPaths []string `json:"implicit_paths,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// HasExplicitPath reports whether the utterance carried a sigil path.
func (p ParsedIntent) HasExplicitPath() bool { return len(p.ExplicitPaths) > 0 }

// Tokens returns the lowercased utterance tokens with stopwords removed,
// the form the scorer matches against descriptor docstrings.
func (p ParsedIntent) Tokens() []string {
	return Tokenize(strings.Join(p.RawTokens, " "))
}

// pathVerbs trigger implicit path detection in the form
// "verb [repository] <simple-name>".
var pathVerbs = map[string]bool{
	"analyze": true,
	"analyse": true,
	"check":   true,
	"inspect": true,
	"review":  true,
}

// actionSynonyms maps utterance tokens to canonical action names.
var actionSynonyms = map[string]string{
	"summarize": "summarize",
	"summary":   "summarize",
	"analyze":   "analyze",
	"analysis":  "analyze",
	"inspect":   "inspect",
	"review":    "review",
	"check":     "check",
	"load":      "load",
	"read":      "load",
	"import":    "load",
	"export":    "export",
	"save":      "write",
	"write":     "write",
	"describe":  "describe",
	"plot":      "plot",
	"chart":     "plot",
	"graph":     "plot",
	"list":      "list",
	"show":      "list",
	"purge":     "purge",
	"clean":     "purge",
	"delete":    "purge",
	"validate":  "validate",
	"document":  "write_docstring",
	"docstring": "write_docstring",
}

// domainHints maps utterance tokens to capability domains.
var domainHints = map[string]string{
	"data":       "data",
	"matrix":     "data",
	"dataset":    "data",
	"csv":        "io",
	"file":       "io",
	"json":       "io",
	"statistics": "stats",
	"stats":      "stats",
	"repository": "analysis",
	"repo":       "analysis",
	"code":       "analysis",
	"source":     "analysis",
	"script":     "script_ops",
	"docstring":  "script_ops",
	"workflow":   "workflow_ops",
	"run":        "workflow_ops",
	"runs":       "workflow_ops",
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "into": true,
	"is": true, "it": true, "my": true, "of": true, "on": true, "or": true,
	"our": true, "please": true, "that": true, "the": true, "this": true,
	"to": true, "with": true, "your": true,
}

// NormalizeAction resolves a token through spelling normalization and the
// synonym map. The scorer uses the same resolution so parser and scorer
// agree on what counts as a name match.
func NormalizeAction(token string) (string, bool) {
	canonical, ok := actionSynonyms[normalizeToken(token)]
	return canonical, ok
}

// normalizeToken lowercases, strips surrounding punctuation, and folds
// British -ise/-yse spellings onto -ize/-yze.
func normalizeToken(t string) string {
	t = strings.ToLower(strings.Trim(t, ".,;:!?\"'()[]{}"))
	switch {
	case strings.HasSuffix(t, "ise"):
		t = strings.TrimSuffix(t, "ise") + "ize"
	case strings.HasSuffix(t, "yse"):
		t = strings.TrimSuffix(t, "yse") + "yze"
	case strings.HasSuffix(t, "ising"):
		t = strings.TrimSuffix(t, "ising") + "izing"
	case strings.HasSuffix(t, "ysing"):
		t = strings.TrimSuffix(t, "ysing") + "yzing"
	case strings.HasSuffix(t, "ised"):
		t = strings.TrimSuffix(t, "ised") + "ized"
	case strings.HasSuffix(t, "ysed"):
		t = strings.TrimSuffix(t, "ysed") + "yzed"
	}
	return t
}

// Tokenize lowercases, spelling-normalizes, and stopwords free text. Both
// utterances and descriptor docstrings go through this so the doc-overlap
// score compares like with like.
func Tokenize(text string) []string {
	var out []string
	for _, t := range strings.Fields(text) {
		t = normalizeToken(t)
		if t == "" || stopwords[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Parser resolves implicit path names against a working root. The existence
// check is injectable so tests control the filesystem snapshot.
type Parser struct {
	root   string
	exists func(path string) bool
}

// New returns a parser rooted at root. Empty root means the process working
// directory.
func New(root string) *Parser {
	if root == "" {
		root = "."
	}
	return &Parser{
		root: root,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// NewWithExists returns a parser with a caller-supplied existence check.
func NewWithExists(root string, exists func(string) bool) *Parser {
	p := New(root)
	if exists != nil {
		p.exists = exists
	}
	return p
}

// Parse runs the five-step algorithm: explicit paths, implicit paths,
// action guess, domain hint, confidence.
func (p *Parser) Parse(utterance string) ParsedIntent {
	tokens := strings.Fields(utterance)
	if len(tokens) == 0 {
		return ParsedIntent{Confidence: 0}
	}

	out := ParsedIntent{RawTokens: tokens}

	var remaining []string
	for _, tok := range tokens {
		if len(tok) > 1 && tok[0] == PathSigil {
			out.ExplicitPaths = append(out.ExplicitPaths, tok[1:])
			continue
		}
		remaining = append(remaining, tok)
	}

	synthesized := p.detectImplicitPath(remaining, &out)

	for _, tok := range remaining {
		if out.Action == "" {
			if canonical, ok := NormalizeAction(tok); ok {
				out.Action = canonical
			}
		}
		if out.Domain == "" {
			if domain, ok := domainHints[normalizeToken(tok)]; ok {
				out.Domain = domain
			}
		}
	}

	if !synthesized {
		confidence := 0.50
		if out.Action != "" {
			confidence += 0.20
		}
		if out.Domain != "" {
			confidence += 0.20
		}
		if out.Action != "" && out.Domain != "" {
			confidence += 0.10
		}
		if confidence > 0.95 {
			confidence = 0.95
		}
		out.Confidence = confidence
	}

	logging.Get(logging.CategoryIntent).Debug(
		"parsed %q -> domain=%s action=%s confidence=%.2f explicit=%d implicit=%d",
		utterance, out.Domain, out.Action, out.Confidence,
		len(out.ExplicitPaths), len(out.ImplicitPaths))
	return out
}

// detectImplicitPath scans for "verb [repository] <simple-name>" and
// synthesizes the analysis pair. Explicit paths take precedence: when the
// utterance carried a sigil path the verb pattern contributes nothing.
// Returns true when it set domain, action, and confidence.
func (p *Parser) detectImplicitPath(tokens []string, out *ParsedIntent) bool {
	if out.HasExplicitPath() {
		return false
	}
	for i, tok := range tokens {
		if !pathVerbs[normalizeToken(tok)] {
			continue
		}
		rest := tokens[i+1:]
		if len(rest) > 0 && normalizeToken(rest[0]) == "repository" {
			rest = rest[1:]
		}
		if len(rest) == 0 {
			continue
		}
		name := strings.Trim(rest[0], ".,;:!?\"'")
		if name == "" || strings.ContainsAny(name, "*?") {
			continue
		}
		candidate := name
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(p.root, candidate)
		}
		if p.exists(candidate) {
			out.ImplicitPaths = append(out.ImplicitPaths, candidate)
			out.Domain = "analysis"
			out.Action = "analyze_path"
			out.Confidence = 0.90
			return true
		}
		out.Domain = "analysis"
		out.Action = "analyze_repository"
		out.Confidence = 0.75
		return true
	}
	return false
}
