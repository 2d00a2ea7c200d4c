package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"pulsus/internal/envelope"
)

// ScriptOpsDomain maintains the user-script library the registry scans.
type ScriptOpsDomain struct {
	roots []string
}

// NewScriptOpsDomain builds the domain over the configured script roots.
func NewScriptOpsDomain(roots []string) *ScriptOpsDomain {
	return &ScriptOpsDomain{roots: roots}
}

func (d *ScriptOpsDomain) Name() string { return "script_ops" }

func (d *ScriptOpsDomain) Operations() []Operation {
	return []Operation{
		{
			Action:      "read_script",
			Description: "Read a user script and return its source text.",
			Safety:      envelope.SafetyReadOnly,
			Params: []envelope.Parameter{
				{Name: "target_script", TypeTag: "file_path", Required: true},
			},
			Returns: "text",
			Invoke:  d.readScript,
		},
		{
			Action:      "write_docstring",
			Description: "Write an updated description docstring into a user script.",
			Safety:      envelope.SafetyWriteSafe,
			Params: []envelope.Parameter{
				{Name: "target_script", TypeTag: "file_path", Required: true},
				{Name: "docstring", TypeTag: "text", Required: false},
			},
			Returns: "text",
			Invoke:  d.writeDocstring,
		},
	}
}

// resolveScript finds the named script: as an absolute or working-relative
// path, then by basename under each script root.
func (d *ScriptOpsDomain) resolveScript(name string) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" {
		return "", fmt.Errorf("no script named")
	}
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	base := name
	if !strings.HasSuffix(base, ".go") {
		base += ".go"
	}
	for _, root := range d.roots {
		candidate := filepath.Join(root, base)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("script %q not found under %d roots", name, len(d.roots))
}

// scriptTarget extracts the script reference from raw input: the first
// sigil token if present, else the last token.
func scriptTarget(input string) string {
	fields := strings.Fields(input)
	for _, tok := range fields {
		if strings.HasPrefix(tok, "@") {
			return tok
		}
	}
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func (d *ScriptOpsDomain) readScript(ctx context.Context, input string) *envelope.Envelope {
	path, err := d.resolveScript(scriptTarget(input))
	if err != nil {
		return envelope.Failf("read_script: %v", err)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return envelope.Failf("read_script: %v", err)
	}
	return envelope.Ok(map[string]any{
		"text": string(src),
		"path": path,
	})
}

var descriptionConst = regexp.MustCompile(`(Description\s*=\s*)"(?:[^"\\]|\\.)*"`)

// writeDocstring rewrites the script's Description constant. Input is
// "<target> :: <new docstring>"; without the separator the docstring
// defaults to the full input text.
func (d *ScriptOpsDomain) writeDocstring(ctx context.Context, input string) *envelope.Envelope {
	target, doc := input, ""
	if idx := strings.Index(input, "::"); idx >= 0 {
		target = strings.TrimSpace(input[:idx])
		doc = strings.TrimSpace(input[idx+2:])
	}
	path, err := d.resolveScript(scriptTarget(target))
	if err != nil {
		return envelope.Failf("write_docstring: %v", err)
	}
	if doc == "" {
		doc = strings.TrimSpace(target)
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return envelope.Failf("write_docstring: %v", err)
	}
	if !descriptionConst.Match(src) {
		return envelope.Failf("write_docstring: %s has no Description constant", path)
	}
	updated := descriptionConst.ReplaceAllFunc(src, func(m []byte) []byte {
		sub := descriptionConst.FindSubmatch(m)
		return []byte(fmt.Sprintf("%s%q", sub[1], doc))
	})
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		return envelope.Failf("write_docstring: %v", err)
	}
	return envelope.Ok(map[string]any{
		"text": doc,
		"path": path,
	})
}
