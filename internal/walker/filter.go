package walker

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExcludes are directory names skipped during traversal and watching.
var DefaultExcludes = []string{
	"node_modules",
	"vendor",
	"__pycache__",
	"dist",
	"build",
	"target",
}

// Filter decides which paths under the root are documents.
// Hidden files and directories (leading dot) are always skipped.
type Filter struct {
	Include []string
	Exclude []string
}

// SkipDir reports whether a directory with the given root-relative key
// should not be traversed.
func (f Filter) SkipDir(key string) bool {
	if key == "." || key == "" {
		return false
	}
	name := path.Base(key)
	if isHidden(name) {
		return true
	}
	for _, excl := range DefaultExcludes {
		if strings.EqualFold(name, excl) {
			return true
		}
	}
	return matchesAny(key, f.Exclude)
}

// Match reports whether the file with the given root-relative key is a
// document.
func (f Filter) Match(key string) bool {
	for _, part := range strings.Split(key, "/") {
		if isHidden(part) {
			return false
		}
	}
	if len(f.Include) > 0 && !matchesAny(key, f.Include) {
		return false
	}
	return !matchesAny(key, f.Exclude)
}

// Admits reports whether a walk of the root would reach key as a document:
// no ancestor directory is skipped and the file itself matches.
func (f Filter) Admits(key string) bool {
	dir := path.Dir(key)
	for dir != "." && dir != "/" && dir != "" {
		if f.SkipDir(dir) {
			return false
		}
		dir = path.Dir(dir)
	}
	return f.Match(key)
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// matchesAny checks key against each pattern, both as a full path and as a
// base name.
func matchesAny(key string, patterns []string) bool {
	base := path.Base(key)
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(pattern)
		if matched, err := doublestar.PathMatch(pattern, key); err == nil && matched {
			return true
		}
		if matched, err := doublestar.PathMatch(pattern, base); err == nil && matched {
			return true
		}
	}
	return false
}
