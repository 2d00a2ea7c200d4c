package runner

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"pulsus/internal/envelope"
	"pulsus/internal/mcp"
	"pulsus/internal/rules"
)

// host wraps a yaegi interpreter configured for artifact code: stdlib
// symbols, the capability bridge, and nothing else.
type host struct {
	opts    *Options
	allowed map[string]struct{}
	domains []mcp.Domain
	depth   int
}

const maxBridgeDepth = 3

func newHost(opts *Options) *host {
	allowed := make(map[string]struct{})
	for _, pkg := range rules.NewPolicy().AllowedPackages() {
		allowed[pkg] = struct{}{}
	}
	return &host{
		opts:    opts,
		allowed: allowed,
		domains: mcp.Builtin(opts.WorkingRoot, opts.ScriptRoots, runWorkspace(opts.WorkflowsRoot)),
	}
}

// load evaluates the artifact source and resolves main.Handle. Imports are
// checked against the allowlist before any evaluation happens; lint already
// ran in the parent but the child does not trust its parent's ordering.
func (h *host) load(filename, source string) (func(string) map[string]interface{}, error) {
	if err := h.checkImports(filename, source); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(h.bridgeExports()); err != nil {
		return nil, fmt.Errorf("load capability bridge: %w", err)
	}

	if err := safeEval(i, source); err != nil {
		return nil, fmt.Errorf("evaluate artifact: %w", err)
	}

	v, err := i.Eval("main.Handle")
	if err != nil {
		return nil, fmt.Errorf("Handle not found: %w", err)
	}
	handle, ok := v.Interface().(func(string) map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("Handle has wrong signature (want func(string) map[string]any)")
	}
	return handle, nil
}

// safeEval contains yaegi panics on malformed input.
func safeEval(i *interp.Interpreter, source string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("interpreter panic: %v", r)
		}
	}()
	_, err = i.Eval(source)
	return err
}

func (h *host) checkImports(filename, source string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, source, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse artifact: %w", err)
	}
	for _, imp := range file.Imports {
		pkg := strings.Trim(imp.Path.Value, `"`)
		if _, ok := h.allowed[pkg]; !ok {
			return fmt.Errorf("import %q is not on the allowlist", pkg)
		}
	}
	return nil
}

// bridgeExports injects the virtual pulsus/capability package. Composed
// artifacts call capability.Call(locator, input) to invoke the steps of
// their chain; the bridge resolves locators in-process.
func (h *host) bridgeExports() interp.Exports {
	return interp.Exports{
		"pulsus/capability/capability": {
			"Call": reflect.ValueOf(h.call),
		},
	}
}

// call resolves a locator and invokes it, returning an envelope-shaped map.
// Class-backed locators ("mcp:domain.action") dispatch to the compiled-in
// domains; anything else is treated as a script path and hosted in a nested
// interpreter.
func (h *host) call(locator, input string) map[string]interface{} {
	if h.depth >= maxBridgeDepth {
		return envelope.Failf("capability chain too deep at %q", locator).AsMap()
	}

	if rest, ok := strings.CutPrefix(locator, "mcp:"); ok {
		return h.callDomain(rest, input)
	}
	return h.callScript(locator, input)
}

func (h *host) callDomain(key, input string) map[string]interface{} {
	dot := strings.LastIndex(key, ".")
	if dot <= 0 || dot == len(key)-1 {
		return envelope.Failf("malformed capability locator %q", key).AsMap()
	}
	domainName, action := key[:dot], key[dot+1:]

	for _, domain := range h.domains {
		if domain.Name() != domainName {
			continue
		}
		for _, op := range domain.Operations() {
			if op.Action != action {
				continue
			}
			env := invokeOperation(op, input)
			return env.AsMap()
		}
	}
	return envelope.Failf("unknown capability %s.%s", domainName, action).AsMap()
}

func invokeOperation(op mcp.Operation, input string) (env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			env = envelope.Failf("capability %s panicked: %v", op.Action, r)
		}
	}()
	return op.Invoke(context.Background(), input)
}

func (h *host) callScript(path, input string) map[string]interface{} {
	source, err := os.ReadFile(path)
	if err != nil {
		return envelope.Failf("read capability script %s: %v", path, err).AsMap()
	}

	nested := &host{
		opts:    h.opts,
		allowed: h.allowed,
		domains: h.domains,
		depth:   h.depth + 1,
	}
	handle, err := nested.load(path, string(source))
	if err != nil {
		return envelope.Failf("load capability script %s: %v", path, err).AsMap()
	}
	return invokeHandle(handle, input).AsMap()
}
