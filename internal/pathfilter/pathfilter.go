// Package pathfilter matches worktree-relative paths against exclude
// patterns written in gitignore syntax.
package pathfilter

import (
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Filter decides whether a path is excluded from auto-commit
type Filter struct {
	matcher gitignore.Matcher
}

// New compiles patterns. The git metadata directory is always excluded.
func New(patterns []string) *Filter {
	compiled := []gitignore.Pattern{gitignore.ParsePattern(".git", nil)}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		compiled = append(compiled, gitignore.ParsePattern(p, nil))
	}
	return &Filter{matcher: gitignore.NewMatcher(compiled)}
}

// Excluded reports whether rel (slash or OS separated, relative to the
// worktree root) is excluded.
func (f *Filter) Excluded(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimPrefix(rel, "./")
	rel = strings.TrimSuffix(rel, "/")
	if rel == "" || rel == "." {
		return false
	}
	return f.matcher.Match(strings.Split(rel, "/"), isDir)
}
