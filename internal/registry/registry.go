// Package registry discovers routable capabilities: user scripts found by
// scanning the configured roots and class-backed operations declared by the
// built-in domains. A refresh builds a complete new snapshot off-lock and
// swaps it in, so readers never observe a half-built index, and every
// discovered operation is registered with the safety policy as part of the
// same pass.
package registry

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"pulsus/internal/envelope"
	"pulsus/internal/intent"
	"pulsus/internal/logging"
	"pulsus/internal/mcp"
	"pulsus/internal/safety"
)

// scanConcurrency bounds parallel root scans during refresh.
const scanConcurrency = 4

type snapshot struct {
	primary  map[string]envelope.Descriptor
	tokens   map[string][]string
	ordered  []envelope.Descriptor
	invokers map[string]mcp.InvokeFunc
}

// Registry serves descriptors and in-process invokers. All read methods
// are safe under concurrent Refresh.
type Registry struct {
	mu      sync.RWMutex
	snap    *snapshot
	roots   []string
	domains []mcp.Domain
	policy  *safety.Policy
}

// New builds an empty registry; call Refresh to populate it.
func New(roots []string, domains []mcp.Domain, policy *safety.Policy) *Registry {
	return &Registry{
		snap:    &snapshot{primary: map[string]envelope.Descriptor{}, tokens: map[string][]string{}, invokers: map[string]mcp.InvokeFunc{}},
		roots:   roots,
		domains: domains,
		policy:  policy,
	}
}

// Refresh rescans the script roots and domain declarations. A root that
// cannot be scanned is skipped with a warning; discovery is only aborted by
// context cancellation.
func (r *Registry) Refresh(ctx context.Context) error {
	log := logging.Get(logging.CategoryRegistry)

	scripts := make([][]envelope.Descriptor, len(r.roots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for i, root := range r.roots {
		g.Go(func() error {
			descs, err := scanRoot(gctx, root)
			if err != nil {
				log.Warn("script root %s skipped: %v", root, err)
				return nil
			}
			scripts[i] = descs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	next := &snapshot{
		primary:  make(map[string]envelope.Descriptor),
		tokens:   make(map[string][]string),
		invokers: make(map[string]mcp.InvokeFunc),
	}

	// Class-backed operations first: they win duplicate resolution.
	for _, domain := range r.domains {
		for _, op := range domain.Operations() {
			d := envelope.Descriptor{
				Domain:      domain.Name(),
				Action:      op.Action,
				Description: op.Description,
				Params:      op.Params,
				Returns:     op.Returns,
				SafetyLevel: op.Safety,
				Provider:    envelope.ProviderMCPClassMethod,
				Locator:     mcp.Locator(domain.Name(), op.Action),
			}
			next.primary[d.Key()] = d
			next.invokers[d.Locator] = op.Invoke
			r.registerWithPolicy(d, op.RequiresConfirmation)
		}
	}

	for _, descs := range scripts {
		for _, d := range descs {
			if existing, dup := next.primary[d.Key()]; dup {
				log.Info("duplicate capability %s: keeping %s provider over %s",
					d.Key(), existing.Provider, d.Provider)
				continue
			}
			next.primary[d.Key()] = d
			r.registerWithPolicy(d, false)
		}
	}

	keys := make([]string, 0, len(next.primary))
	for k := range next.primary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d := next.primary[k]
		next.ordered = append(next.ordered, d)
		for _, tok := range intent.Tokenize(d.Description) {
			next.tokens[tok] = append(next.tokens[tok], k)
		}
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
	log.Info("registry refreshed: %d capabilities from %d domains and %d roots",
		len(next.ordered), len(r.domains), len(r.roots))
	return nil
}

func (r *Registry) registerWithPolicy(d envelope.Descriptor, requiresConfirmation bool) {
	if r.policy == nil {
		return
	}
	tags := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		tags = append(tags, p.TypeTag)
	}
	r.policy.RegisterOperation(d.Domain, d.Action, d.SafetyLevel, safety.OperationSpec{
		RequiresConfirmation: requiresConfirmation,
		AllowedTypeTags:      tags,
	})
}

// scanRoot parses every non-test .go file under one root. Malformed
// scripts are skipped with a warning.
func scanRoot(ctx context.Context, root string) ([]envelope.Descriptor, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*.go"))
	if err != nil {
		return nil, err
	}
	log := logging.Get(logging.CategoryRegistry)
	var out []envelope.Descriptor
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.HasSuffix(path, "_test.go") {
			continue
		}
		m, err := parseManifest(path)
		if err != nil {
			log.Warn("skipping script %s: %v", path, err)
			continue
		}
		out = append(out, m.descriptor(path))
	}
	return out, nil
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.snap.ordered)
}

// All returns every descriptor in deterministic (domain, action) order.
func (r *Registry) All() []envelope.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]envelope.Descriptor, len(r.snap.ordered))
	copy(out, r.snap.ordered)
	return out
}

// Lookup resolves an exact (domain, action) pair.
func (r *Registry) Lookup(domain, action string) (envelope.Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.snap.primary[domain+"."+action]
	return d, ok
}

// Candidates assembles the scoring set for an intent: the exact primary
// hit plus every descriptor whose description shares a token with the
// utterance. An empty union falls back to the full catalog so weak intents
// still rank everything.
func (r *Registry) Candidates(in intent.ParsedIntent) []envelope.Descriptor {
	r.mu.RLock()
	snap := r.snap
	r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []envelope.Descriptor
	add := func(key string) {
		if seen[key] {
			return
		}
		if d, ok := snap.primary[key]; ok {
			seen[key] = true
			out = append(out, d)
		}
	}

	if in.Domain != "" && in.Action != "" {
		add(in.Domain + "." + in.Action)
	}
	var tokenKeys []string
	for _, tok := range in.Tokens() {
		tokenKeys = append(tokenKeys, snap.tokens[tok]...)
	}
	sort.Strings(tokenKeys)
	for _, key := range tokenKeys {
		add(key)
	}

	if len(out) == 0 {
		out = make([]envelope.Descriptor, len(snap.ordered))
		copy(out, snap.ordered)
	}
	return out
}

// Invoker returns the in-process handler behind a class-backed locator.
func (r *Registry) Invoker(locator string) (mcp.InvokeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.snap.invokers[locator]
	return fn, ok
}
