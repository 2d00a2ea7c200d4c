package registry

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"

	"pulsus/internal/envelope"
)

// manifest is the static contract a routable user script declares: package
// main, string constants Domain, Action, Description (plus optional Safety,
// Returns, Requires), and a Handle(string) map[string]any entry point. The
// registry reads all of it with go/parser; discovery never executes user
// code.
type manifest struct {
	Domain      string
	Action      string
	Description string
	Safety      envelope.SafetyLevel
	Requires    string
	Returns     string
}

// parseManifest extracts the manifest from one script file.
func parseManifest(path string) (*manifest, error) {
	return parseManifestSource(path, nil)
}

// ParseSource validates the artifact contract of in-memory source and
// returns its normalized descriptor. The generator and the validator use
// this on artifacts that have not been discovered yet; locator becomes the
// descriptor's Locator.
func ParseSource(locator, source string) (envelope.Descriptor, error) {
	m, err := parseManifestSource(locator, source)
	if err != nil {
		return envelope.Descriptor{}, err
	}
	return m.descriptor(locator), nil
}

func parseManifestSource(path string, source any) (*manifest, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, source, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if file.Name.Name != "main" {
		return nil, fmt.Errorf("script package is %q, want main", file.Name.Name)
	}

	consts := stringConsts(file)
	m := &manifest{
		Domain:      consts["Domain"],
		Action:      consts["Action"],
		Description: consts["Description"],
		Requires:    consts["Requires"],
		Returns:     consts["Returns"],
		Safety:      envelope.SafetyReadOnly,
	}
	if m.Domain == "" || m.Action == "" {
		return nil, fmt.Errorf("script omits Domain or Action constant")
	}
	if m.Description == "" {
		return nil, fmt.Errorf("script omits Description constant")
	}
	if raw := consts["Safety"]; raw != "" {
		level, err := envelope.ParseSafetyLevel(raw)
		if err != nil {
			return nil, err
		}
		m.Safety = level
	}

	if !hasHandleFunc(file) {
		return nil, fmt.Errorf("script omits Handle(string) map[string]any")
	}
	return m, nil
}

// descriptor normalizes the manifest into the registry's uniform shape.
func (m *manifest) descriptor(path string) envelope.Descriptor {
	inputTag := m.Requires
	if inputTag == "" {
		inputTag = "text"
	}
	return envelope.Descriptor{
		Domain:      m.Domain,
		Action:      m.Action,
		Description: m.Description,
		Params: []envelope.Parameter{
			{Name: "text", TypeTag: inputTag, Required: true},
		},
		Returns:     m.Returns,
		SafetyLevel: m.Safety,
		Provider:    envelope.ProviderUserScript,
		Locator:     path,
	}
}

// stringConsts collects top-level string constant declarations by name.
func stringConsts(file *ast.File) map[string]string {
	out := make(map[string]string)
	for _, decl := range file.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.CONST {
			continue
		}
		for _, spec := range gen.Specs {
			vs, ok := spec.(*ast.ValueSpec)
			if !ok {
				continue
			}
			for i, name := range vs.Names {
				if i >= len(vs.Values) {
					continue
				}
				lit, ok := vs.Values[i].(*ast.BasicLit)
				if !ok || lit.Kind != token.STRING {
					continue
				}
				value, err := strconv.Unquote(lit.Value)
				if err != nil {
					continue
				}
				out[name.Name] = value
			}
		}
	}
	return out
}

// hasHandleFunc checks for a top-level Handle taking one string and
// returning one map[string]any.
func hasHandleFunc(file *ast.File) bool {
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Name.Name != "Handle" || fn.Recv != nil {
			continue
		}
		params := fn.Type.Params
		results := fn.Type.Results
		if params == nil || results == nil {
			return false
		}
		if fieldCount(params) != 1 || fieldCount(results) != 1 {
			return false
		}
		if ident, ok := params.List[0].Type.(*ast.Ident); !ok || ident.Name != "string" {
			return false
		}
		mapType, ok := results.List[0].Type.(*ast.MapType)
		if !ok {
			return false
		}
		if key, ok := mapType.Key.(*ast.Ident); !ok || key.Name != "string" {
			return false
		}
		switch v := mapType.Value.(type) {
		case *ast.Ident:
			return v.Name == "any"
		case *ast.InterfaceType:
			return len(v.Methods.List) == 0
		}
		return false
	}
	return false
}

// fieldCount counts declared entries in a field list, where a single field
// may name several parameters.
func fieldCount(fl *ast.FieldList) int {
	n := 0
	for _, f := range fl.List {
		if len(f.Names) == 0 {
			n++
			continue
		}
		n += len(f.Names)
	}
	return n
}
