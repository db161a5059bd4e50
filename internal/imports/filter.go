package imports

import (
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// Filter reports whether path belongs to the project graph. Paths it rejects
// are either skipped by the watcher or tracked as external nodes.
type Filter func(path string, isDir bool) bool

// DefaultExcludes are applied when no patterns are configured.
var DefaultExcludes = []string{
	"node_modules",
	".git",
	".gro",
	".svelte-kit",
	"dist",
	".DS_Store",
}

// NewGitignoreFilter builds a Filter from gitignore-style patterns evaluated
// relative to root. Paths outside root are always rejected.
func NewGitignoreFilter(root string, patterns []string) Filter {
	if patterns == nil {
		patterns = DefaultExcludes
	}
	matcher := ignore.CompileIgnoreLines(patterns...)
	root = filepath.Clean(root)

	return func(path string, isDir bool) bool {
		rel, ok := relativeTo(root, path)
		if !ok {
			return false
		}
		if rel == "." {
			return true
		}
		if matcher.MatchesPath(rel) {
			return false
		}
		if isDir && matcher.MatchesPath(rel+"/") {
			return false
		}
		return true
	}
}

// WithinRoot reports whether path lies inside root (or is root).
func WithinRoot(root, path string) bool {
	_, ok := relativeTo(root, path)
	return ok
}

func relativeTo(root, path string) (string, bool) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
