package rules

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"time"

	"pulsus/internal/logging"
)

//go:embed lint_rules.mg
var lintPolicy string

// The import surface an artifact may use. Everything else is a violation.
// The capability bridge package is virtual; it only exists inside the
// interpreter that hosts composed artifacts.
var baseAllowedPackages = []string{
	"bufio",
	"bytes",
	"context",
	"encoding/base64",
	"encoding/csv",
	"encoding/hex",
	"encoding/json",
	"errors",
	"fmt",
	"io",
	"io/fs",
	"math",
	"math/big",
	"os",
	"path",
	"path/filepath",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
	"pulsus/capability",
}

// Violation describes one lint policy failure.
type Violation struct {
	Kind     string `json:"kind"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message"`
}

// Report is the outcome of a policy check.
type Report struct {
	Passed     bool
	Violations []Violation
}

// Policy checks artifact source against the embedded lint rules.
type Policy struct {
	allowed []string
}

// NewPolicy creates a lint policy. Extra packages extend the base import
// allowlist (used in tests and for trusted script roots).
func NewPolicy(extraAllowed ...string) *Policy {
	allowed := make([]string, 0, len(baseAllowedPackages)+len(extraAllowed))
	seen := make(map[string]struct{})
	for _, pkg := range append(append([]string{}, baseAllowedPackages...), extraAllowed...) {
		if _, ok := seen[pkg]; ok {
			continue
		}
		seen[pkg] = struct{}{}
		allowed = append(allowed, pkg)
	}
	sort.Strings(allowed)
	return &Policy{allowed: allowed}
}

// AllowedPackages returns the import allowlist the policy enforces.
func (p *Policy) AllowedPackages() []string {
	out := make([]string, len(p.allowed))
	copy(out, p.allowed)
	return out
}

// Check parses the source, extracts facts, and evaluates the policy.
// A parse failure is itself a violation; the report never errors.
func (p *Policy) Check(filename, code string) *Report {
	report := &Report{Passed: true}

	facts, err := ExtractSourceFacts(filename, code)
	if err != nil {
		return failReport(report, "parse_error", "", fmt.Sprintf("failed to parse source: %v", err))
	}

	index := buildFactIndex(facts)
	for _, pkg := range p.allowed {
		facts = append(facts, Fact{Predicate: "allowed_package", Args: []interface{}{pkg}})
	}

	engine := NewEngine()
	if err := engine.LoadSchemaString(lintPolicy); err != nil {
		return failReport(report, "policy_error", "", fmt.Sprintf("failed to load lint policy: %v", err))
	}
	if err := engine.AddFacts(facts); err != nil {
		return failReport(report, "policy_error", "", fmt.Sprintf("failed to add facts: %v", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := engine.Query(ctx, "?violation(V)")
	if err != nil {
		return failReport(report, "policy_error", "", fmt.Sprintf("lint policy query failed: %v", err))
	}
	if len(result.Bindings) == 0 {
		return report
	}

	report.Passed = false
	seen := make(map[string]struct{})
	for _, binding := range result.Bindings {
		v := describeViolation(binding["V"], index)
		key := v.Kind + "|" + v.Location + "|" + v.Message
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		report.Violations = append(report.Violations, v)
	}
	logging.Get(logging.CategoryValidate).Debug("lint policy found %d violations in %s", len(report.Violations), filename)
	return report
}

func failReport(report *Report, kind, location, msg string) *Report {
	report.Passed = false
	report.Violations = append(report.Violations, Violation{Kind: kind, Location: location, Message: msg})
	return report
}

type factIndex struct {
	imports        map[string]struct{}
	dangerousCalls map[string]string // callee -> caller
	goroutineLines map[string]struct{}
}

func buildFactIndex(facts []Fact) factIndex {
	idx := factIndex{
		imports:        make(map[string]struct{}),
		dangerousCalls: make(map[string]string),
		goroutineLines: make(map[string]struct{}),
	}
	for _, fact := range facts {
		switch fact.Predicate {
		case "ast_import":
			if len(fact.Args) > 1 {
				if pkg, ok := fact.Args[1].(string); ok {
					idx.imports[pkg] = struct{}{}
				}
			}
		case "ast_call":
			if len(fact.Args) > 1 {
				callee, _ := fact.Args[1].(string)
				caller, _ := fact.Args[0].(string)
				idx.dangerousCalls[callee] = caller
			}
		case "ast_goroutine_spawn":
			if len(fact.Args) > 1 {
				if line, ok := fact.Args[1].(string); ok {
					idx.goroutineLines[line] = struct{}{}
				}
			}
		}
	}
	return idx
}

func describeViolation(value interface{}, idx factIndex) Violation {
	s, ok := value.(string)
	if !ok {
		return Violation{Kind: "policy", Message: fmt.Sprintf("policy violation: %v", value)}
	}
	if _, found := idx.imports[s]; found {
		return Violation{
			Kind:    "forbidden_import",
			Message: fmt.Sprintf("import %q is not on the allowlist", s),
		}
	}
	if caller, found := idx.dangerousCalls[s]; found {
		return Violation{
			Kind:     "dangerous_call",
			Location: caller,
			Message:  fmt.Sprintf("call to %s is not permitted; return a failure envelope instead", s),
		}
	}
	if _, found := idx.goroutineLines[s]; found {
		return Violation{
			Kind:     "unsupervised_goroutine",
			Location: "line:" + s,
			Message:  "goroutine spawn must accept a cancelable context",
		}
	}
	return Violation{Kind: "policy", Message: fmt.Sprintf("policy violation: %v", s)}
}
