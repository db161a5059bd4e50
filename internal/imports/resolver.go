package imports

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrBuiltin    = errors.New("builtin module")
	ErrNotFile    = errors.New("specifier is not a file")
	ErrUnresolved = errors.New("specifier could not be resolved")
)

// Resolver maps an import specifier written in importer to an absolute file
// path. Builtins and non-file URLs must be reported as ErrBuiltin and
// ErrNotFile so they never enter the graph.
type Resolver interface {
	Resolve(specifier, importer string) (string, error)
}

// DefaultExtensions is the probe order for extensionless specifiers.
var DefaultExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".mts", ".cts", ".svelte", ".json"}

// NodeResolver follows Node's resolution rules closely enough for a build
// tool's dependency graph: relative and absolute paths with extension and
// index probing, TypeScript's .js-to-.ts rewrites, node_modules lookup with
// package.json entry points, and prefix aliases such as "$lib".
type NodeResolver struct {
	Extensions []string
	// Aliases maps a specifier prefix to a directory, e.g. "$lib" to "<root>/lib".
	Aliases map[string]string
}

func NewNodeResolver(aliases map[string]string) *NodeResolver {
	return &NodeResolver{Extensions: DefaultExtensions, Aliases: aliases}
}

func (resolver *NodeResolver) Resolve(specifier, importer string) (string, error) {
	specifier = strings.TrimSpace(specifier)
	if specifier == "" {
		return "", ErrUnresolved
	}
	if IsBuiltin(specifier) {
		return "", ErrBuiltin
	}
	if scheme, ok := urlScheme(specifier); ok {
		if scheme != "file" {
			return "", fmt.Errorf("%w: %s", ErrNotFile, scheme)
		}
		parsed, err := url.Parse(specifier)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		return resolver.resolveFile(filepath.FromSlash(parsed.Path))
	}
	if target, ok := resolver.expandAlias(specifier); ok {
		return resolver.resolveFile(target)
	}
	if isPathSpecifier(specifier) {
		base := filepath.FromSlash(specifier)
		if !filepath.IsAbs(base) {
			base = filepath.Join(filepath.Dir(importer), base)
		}
		return resolver.resolveFile(base)
	}
	return resolver.resolvePackage(specifier, filepath.Dir(importer))
}

func (resolver *NodeResolver) expandAlias(specifier string) (string, bool) {
	if len(resolver.Aliases) == 0 {
		return "", false
	}
	// Longest prefix wins so "$lib/server" can override "$lib".
	prefixes := make([]string, 0, len(resolver.Aliases))
	for prefix := range resolver.Aliases {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, prefix := range prefixes {
		if specifier == prefix {
			return resolver.Aliases[prefix], true
		}
		if strings.HasPrefix(specifier, prefix+"/") {
			rest := strings.TrimPrefix(specifier, prefix+"/")
			return filepath.Join(resolver.Aliases[prefix], filepath.FromSlash(rest)), true
		}
	}
	return "", false
}

func isPathSpecifier(specifier string) bool {
	return specifier == "." || specifier == ".." ||
		strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") ||
		strings.HasPrefix(specifier, "/") || filepath.IsAbs(specifier)
}

var tsRewrites = map[string][]string{
	".js":  {".ts", ".tsx"},
	".jsx": {".tsx"},
	".mjs": {".mts"},
	".cjs": {".cts"},
}

func (resolver *NodeResolver) resolveFile(base string) (string, error) {
	base = filepath.Clean(base)
	if isFile(base) {
		return base, nil
	}

	ext := filepath.Ext(base)
	if rewrites, ok := tsRewrites[ext]; ok {
		stem := strings.TrimSuffix(base, ext)
		for _, rewrite := range rewrites {
			if candidate := stem + rewrite; isFile(candidate) {
				return candidate, nil
			}
		}
	}

	for _, extension := range resolver.extensions() {
		if candidate := base + extension; isFile(candidate) {
			return candidate, nil
		}
	}
	if isDir(base) {
		for _, extension := range resolver.extensions() {
			if candidate := filepath.Join(base, "index"+extension); isFile(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnresolved, base)
}

func (resolver *NodeResolver) resolvePackage(specifier, fromDir string) (string, error) {
	name, subpath := splitPackageSpecifier(specifier)
	if name == "" {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, specifier)
	}

	dir := filepath.Clean(fromDir)
	for {
		packageDir := filepath.Join(dir, "node_modules", filepath.FromSlash(name))
		if isDir(packageDir) {
			if subpath != "" {
				return resolver.resolveFile(filepath.Join(packageDir, filepath.FromSlash(subpath)))
			}
			if entry := packageEntry(packageDir); entry != "" {
				if resolved, err := resolver.resolveFile(filepath.Join(packageDir, filepath.FromSlash(entry))); err == nil {
					return resolved, nil
				}
			}
			return resolver.resolveFile(filepath.Join(packageDir, "index"))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s", ErrUnresolved, specifier)
		}
		dir = parent
	}
}

func (resolver *NodeResolver) extensions() []string {
	if len(resolver.Extensions) == 0 {
		return DefaultExtensions
	}
	return resolver.Extensions
}

func splitPackageSpecifier(specifier string) (name, subpath string) {
	parts := strings.Split(specifier, "/")
	if strings.HasPrefix(specifier, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return "", ""
		}
		return parts[0] + "/" + parts[1], strings.Join(parts[2:], "/")
	}
	return parts[0], strings.Join(parts[1:], "/")
}

type packageManifest struct {
	Exports json.RawMessage `json:"exports"`
	Module  string          `json:"module"`
	Main    string          `json:"main"`
}

// packageEntry picks the ESM entry point of the package in dir, or "".
func packageEntry(dir string) string {
	payload, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	var manifest packageManifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return ""
	}
	if entry := exportsEntry(manifest.Exports); entry != "" {
		return entry
	}
	if manifest.Module != "" {
		return manifest.Module
	}
	return manifest.Main
}

var exportConditions = []string{"svelte", "import", "default", "node", "require"}

func exportsEntry(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var conditions map[string]json.RawMessage
	if err := json.Unmarshal(raw, &conditions); err != nil {
		return ""
	}
	if root, ok := conditions["."]; ok {
		return exportsEntry(root)
	}
	for _, condition := range exportConditions {
		if value, ok := conditions[condition]; ok {
			if entry := exportsEntry(value); entry != "" {
				return entry
			}
		}
	}
	return ""
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
