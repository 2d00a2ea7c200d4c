package mcp

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"pulsus/internal/logging"
)

// Census summarizes the source population of a directory tree.
type Census struct {
	Path      string                    `json:"path"`
	Files     int                       `json:"files"`
	Languages map[string]*LanguageCount `json:"languages"`
}

// LanguageCount is the per-language slice of a census.
type LanguageCount struct {
	Files     int `json:"files"`
	Functions int `json:"functions"`
	Types     int `json:"types"`
	Exported  int `json:"exported"`
}

// Text renders a one-line human summary, the form chain modules pipe
// between steps.
func (c *Census) Text() string {
	langs := make([]string, 0, len(c.Languages))
	for name := range c.Languages {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	parts := make([]string, 0, len(langs))
	for _, name := range langs {
		lc := c.Languages[name]
		parts = append(parts, fmt.Sprintf("%s: %d files, %d functions, %d types", name, lc.Files, lc.Functions, lc.Types))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("census of %s: %d files, no recognized source", c.Path, c.Files)
	}
	return fmt.Sprintf("census of %s: %d files (%s)", c.Path, c.Files, strings.Join(parts, "; "))
}

// maxCensusFiles bounds a single scan so an utterance pointed at a giant
// tree cannot stall the routing cycle.
const maxCensusFiles = 2000

var censusSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

var censusLanguages = map[string]string{
	".go": "go",
	".py": "python",
	".js": "javascript",
}

// ScanCensus walks root and parses recognized sources with tree-sitter,
// counting functions, type definitions, and exported Go symbols. Parse
// failures of individual files are counted as plain files and skipped.
func ScanCensus(ctx context.Context, root string) (*Census, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("census target: %w", err)
	}

	census := &Census{Path: root, Languages: make(map[string]*LanguageCount)}
	parsers := map[string]*sitter.Parser{
		"go":         sitter.NewParser(),
		"python":     sitter.NewParser(),
		"javascript": sitter.NewParser(),
	}
	parsers["go"].SetLanguage(golang.GetLanguage())
	parsers["python"].SetLanguage(python.GetLanguage())
	parsers["javascript"].SetLanguage(javascript.GetLanguage())
	defer func() {
		for _, p := range parsers {
			p.Close()
		}
	}()

	scanFile := func(path string) error {
		census.Files++
		lang, ok := censusLanguages[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}
		lc := census.Languages[lang]
		if lc == nil {
			lc = &LanguageCount{}
			census.Languages[lang] = lc
		}
		lc.Files++

		content, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		tree, err := parsers[lang].ParseCtx(ctx, nil, content)
		if err != nil {
			logging.Get(logging.CategoryRegistry).Debug("census parse failed for %s: %v", path, err)
			return nil
		}
		defer tree.Close()
		countSymbols(tree.RootNode(), content, lang, lc)
		return nil
	}

	if !info.IsDir() {
		if err := scanFile(root); err != nil {
			return nil, err
		}
		return census, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if censusSkipDirs[name] || (strings.HasPrefix(name, ".") && path != root) {
				return filepath.SkipDir
			}
			return nil
		}
		if census.Files >= maxCensusFiles {
			return filepath.SkipAll
		}
		return scanFile(path)
	})
	if err != nil {
		return nil, fmt.Errorf("census walk: %w", err)
	}
	return census, nil
}

func countSymbols(node *sitter.Node, content []byte, lang string, lc *LanguageCount) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch lang {
		case "go":
			switch n.Type() {
			case "function_declaration", "method_declaration":
				lc.Functions++
				if name := n.ChildByFieldName("name"); name != nil {
					if s := name.Content(content); len(s) > 0 && s[0] >= 'A' && s[0] <= 'Z' {
						lc.Exported++
					}
				}
			case "type_spec":
				lc.Types++
				if name := n.ChildByFieldName("name"); name != nil {
					if s := name.Content(content); len(s) > 0 && s[0] >= 'A' && s[0] <= 'Z' {
						lc.Exported++
					}
				}
			}
		case "python":
			switch n.Type() {
			case "function_definition":
				lc.Functions++
			case "class_definition":
				lc.Types++
			}
		case "javascript":
			switch n.Type() {
			case "function_declaration", "method_definition", "arrow_function":
				lc.Functions++
			case "class_declaration":
				lc.Types++
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(node)
}
