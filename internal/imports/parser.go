package imports

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/tree-sitter/go-tree-sitter"
	javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

// Parser extracts the static import specifiers written in a file.
type Parser interface {
	ParseSpecifiers(path string, contents []byte) ([]string, error)
}

const specifierQuery = `
	(import_statement source: (string) @source)
	(export_statement source: (string) @source)
	(call_expression function: (import) arguments: (arguments . (string) @source))
`

type grammar struct {
	name     string
	language func() *sitter.Language

	once  sync.Once
	query *sitter.Query
	err   error
}

func (g *grammar) compiled() (*sitter.Language, *sitter.Query, error) {
	language := g.language()
	g.once.Do(func() {
		query, queryErr := sitter.NewQuery(language, specifierQuery)
		if queryErr != nil {
			g.err = fmt.Errorf("compile %s import query: %s", g.name, queryErr.Error())
			return
		}
		g.query = query
	})
	return language, g.query, g.err
}

var (
	javascriptGrammar = &grammar{name: "javascript", language: func() *sitter.Language {
		return sitter.NewLanguage(javascript.Language())
	}}
	typescriptGrammar = &grammar{name: "typescript", language: func() *sitter.Language {
		return sitter.NewLanguage(typescript.LanguageTypescript())
	}}
	tsxGrammar = &grammar{name: "tsx", language: func() *sitter.Language {
		return sitter.NewLanguage(typescript.LanguageTSX())
	}}
)

var svelteScript = regexp.MustCompile(`(?is)<script\b[^>]*>(.*?)</script>`)

// TreeSitterParser reads JavaScript, TypeScript and Svelte sources. Files of
// any other type have no specifiers.
type TreeSitterParser struct{}

func (TreeSitterParser) ParseSpecifiers(path string, contents []byte) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs", ".cjs", ".jsx":
		return parseWith(javascriptGrammar, contents)
	case ".ts", ".mts", ".cts":
		return parseWith(typescriptGrammar, contents)
	case ".tsx":
		return parseWith(tsxGrammar, contents)
	case ".svelte":
		var specifiers []string
		for _, match := range svelteScript.FindAllSubmatch(contents, -1) {
			found, err := parseWith(typescriptGrammar, match[1])
			specifiers = append(specifiers, found...)
			if err != nil {
				return specifiers, err
			}
		}
		return specifiers, nil
	default:
		return nil, nil
	}
}

func parseWith(g *grammar, source []byte) ([]string, error) {
	if len(source) == 0 {
		return nil, nil
	}
	language, query, err := g.compiled()
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(language); err != nil {
		return nil, fmt.Errorf("set %s language: %w", g.name, err)
	}

	tree := parser.Parse(source, nil)
	if tree == nil {
		return nil, fmt.Errorf("parse %s source", g.name)
	}
	defer tree.Close()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()

	seen := make(map[string]struct{})
	var specifiers []string
	matches := cursor.Matches(query, tree.RootNode(), source)
	for match := matches.Next(); match != nil; match = matches.Next() {
		for _, capture := range match.Captures {
			specifier := unquote(capture.Node.Utf8Text(source))
			if specifier == "" {
				continue
			}
			if _, dup := seen[specifier]; dup {
				continue
			}
			seen[specifier] = struct{}{}
			specifiers = append(specifiers, specifier)
		}
	}
	return specifiers, nil
}

func unquote(literal string) string {
	if len(literal) >= 2 {
		first, last := literal[0], literal[len(literal)-1]
		if (first == '"' || first == '\'') && first == last {
			return literal[1 : len(literal)-1]
		}
	}
	return ""
}
