package rules

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"strings"
)

// ExtractSourceFacts parses Go source and emits the structural facts the
// lint policy reasons over: imports, call sites, goroutine spawns.
func ExtractSourceFacts(filename, sourceCode string) ([]Fact, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, sourceCode, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	emitter := &factEmitter{fset: fset, fileName: filename}
	emitter.emitImports(file)
	ast.Walk(&factVisitor{emitter: emitter}, file)
	return emitter.facts, nil
}

type factEmitter struct {
	fset       *token.FileSet
	fileName   string
	currentFcn string
	facts      []Fact
}

func (e *factEmitter) emitImports(file *ast.File) {
	for _, imp := range file.Imports {
		importPath := strings.Trim(imp.Path.Value, `"`)
		e.facts = append(e.facts, Fact{
			Predicate: "ast_import",
			Args:      []interface{}{e.fileName, importPath},
		})
	}
}

func (e *factEmitter) emitCall(call *ast.CallExpr) {
	e.facts = append(e.facts, Fact{
		Predicate: "ast_call",
		Args:      []interface{}{e.currentFcn, e.exprToString(call.Fun)},
	})
}

func (e *factEmitter) emitGoroutine(stmt *ast.GoStmt) {
	line := fmt.Sprintf("%d", e.fset.Position(stmt.Go).Line)
	target := e.exprToString(stmt.Call.Fun)
	e.facts = append(e.facts, Fact{
		Predicate: "ast_goroutine_spawn",
		Args:      []interface{}{target, line},
	})
	if usesContextCancellation(stmt.Call, e) {
		e.facts = append(e.facts, Fact{
			Predicate: "ast_uses_context_cancellation",
			Args:      []interface{}{line},
		})
	}
}

func usesContextCancellation(call *ast.CallExpr, e *factEmitter) bool {
	for _, arg := range call.Args {
		switch a := arg.(type) {
		case *ast.Ident:
			name := strings.ToLower(a.Name)
			if strings.Contains(name, "ctx") || strings.Contains(name, "cancel") {
				return true
			}
		case *ast.SelectorExpr:
			if ident, ok := a.X.(*ast.Ident); ok {
				name := strings.ToLower(ident.Name)
				if strings.Contains(name, "ctx") || strings.Contains(name, "cancel") {
					return true
				}
			}
		}
	}
	callee := strings.ToLower(e.exprToString(call.Fun))
	return strings.Contains(callee, "withcancel") ||
		strings.Contains(callee, "withtimeout") ||
		strings.Contains(callee, "withdeadline")
}

func (e *factEmitter) exprToString(expr ast.Expr) string {
	var buf bytes.Buffer
	_ = printer.Fprint(&buf, e.fset, expr)
	return buf.String()
}

type factVisitor struct {
	emitter *factEmitter
}

func (v *factVisitor) Visit(node ast.Node) ast.Visitor {
	if node == nil {
		return nil
	}
	switch n := node.(type) {
	case *ast.FuncDecl:
		prev := v.emitter.currentFcn
		v.emitter.currentFcn = n.Name.Name
		if n.Body != nil {
			ast.Walk(v, n.Body)
		}
		v.emitter.currentFcn = prev
		return nil
	case *ast.FuncLit:
		prev := v.emitter.currentFcn
		pos := v.emitter.fset.Position(n.Pos())
		v.emitter.currentFcn = fmt.Sprintf("func_literal_%d", pos.Line)
		if n.Body != nil {
			ast.Walk(v, n.Body)
		}
		v.emitter.currentFcn = prev
		return nil
	case *ast.CallExpr:
		v.emitter.emitCall(n)
	case *ast.GoStmt:
		v.emitter.emitGoroutine(n)
	}
	return v
}
