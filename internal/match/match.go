// Package match selects repo-relative paths for an operation.
package match

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"kbfiles/internal/standin"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher decides which repo-relative, slash-separated paths an operation
// touches.
type Matcher interface {
	Match(p string) bool
	// Files lists the paths named explicitly, without patterns.
	Files() []string
	// Always is true when every path matches.
	Always() bool
}

type always struct{}

func (always) Match(string) bool { return true }
func (always) Files() []string   { return nil }
func (always) Always() bool      { return true }

func All() Matcher {
	return always{}
}

// patternMatcher matches explicit files, directories and doublestar globs.
type patternMatcher struct {
	files []string
	globs []string
	all   bool
}

// New builds a matcher from command-line style arguments. Arguments are
// relative to cwd, which must be inside root. An argument containing glob
// metacharacters is a pattern; anything else names a file or directory.
func New(root, cwd string, args []string) (Matcher, error) {
	if len(args) == 0 {
		return All(), nil
	}

	m := &patternMatcher{}
	for _, arg := range args {
		rel, err := relative(root, cwd, arg)
		if err != nil {
			return nil, err
		}
		if rel == "." {
			m.all = true
			continue
		}
		if isGlob(arg) {
			if !doublestar.ValidatePattern(rel) {
				return nil, fmt.Errorf("invalid pattern %q", arg)
			}
			m.globs = append(m.globs, rel)
			continue
		}
		m.files = append(m.files, rel)
	}
	if m.all && len(m.globs) == 0 {
		return All(), nil
	}
	return m, nil
}

// Exact matches the named files and anything below them.
func Exact(files ...string) Matcher {
	m := &patternMatcher{}
	for _, f := range files {
		m.files = append(m.files, path.Clean(filepath.ToSlash(f)))
	}
	return m
}

// Patterns matches doublestar globs. A pattern without a slash also matches
// base names anywhere in the tree.
func Patterns(globs []string) Matcher {
	m := &patternMatcher{}
	for _, g := range globs {
		if g == "" {
			continue
		}
		if !strings.Contains(g, "/") {
			g = "**/" + g
		}
		m.globs = append(m.globs, g)
	}
	return m
}

func (m *patternMatcher) Match(p string) bool {
	if m.all {
		return true
	}
	for _, f := range m.files {
		if standin.Under(p, f) {
			return true
		}
	}
	for _, g := range m.globs {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
	}
	return false
}

func (m *patternMatcher) Files() []string {
	return append([]string(nil), m.files...)
}

func (m *patternMatcher) Always() bool {
	return m.all
}

func relative(root, cwd, arg string) (string, error) {
	abs := arg
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, arg)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", arg, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside repository %s", arg, root)
	}
	return rel, nil
}

func isGlob(arg string) bool {
	return strings.ContainsAny(arg, "*?[{")
}

// narrowed keeps the base predicate but only lists explicit files accepted by
// keep.
type narrowed struct {
	Matcher
	keep func(string) bool
}

// Narrow restricts base's explicit file list to entries accepted by keep.
func Narrow(base Matcher, keep func(string) bool) Matcher {
	return &narrowed{Matcher: base, keep: keep}
}

func (n *narrowed) Files() []string {
	var out []string
	for _, f := range n.Matcher.Files() {
		if n.keep(f) {
			out = append(out, f)
		}
	}
	return out
}

// standins lets a matcher written in terms of big-file paths operate on the
// host's view, where big files appear as standins.
type standins struct {
	base    Matcher
	tracked func(standinPath string) bool
}

// Standins wraps base so that explicitly named big files are replaced by
// their standin when tracked reports that standin as tracked, and standin
// paths match whenever the big file they stand for matches.
func Standins(base Matcher, tracked func(standinPath string) bool) Matcher {
	return &standins{base: base, tracked: tracked}
}

func (s *standins) Match(p string) bool {
	if s.base.Match(p) {
		return true
	}
	if big, ok := standin.Split(p); ok {
		return s.base.Match(big)
	}
	return false
}

func (s *standins) Files() []string {
	files := s.base.Files()
	out := make([]string, 0, len(files))
	for _, f := range files {
		if st := standin.Standin(f); s.tracked(st) {
			out = append(out, st)
			continue
		}
		out = append(out, f)
	}
	return out
}

func (s *standins) Always() bool {
	return s.base.Always()
}

// Func adapts a predicate.
type Func func(string) bool

func (f Func) Match(p string) bool { return f(p) }
func (Func) Files() []string       { return nil }
func (Func) Always() bool          { return false }

// Filter returns the matched subset of paths, sorted.
func Filter(m Matcher, paths []string) []string {
	var out []string
	for _, p := range paths {
		if m.Match(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
