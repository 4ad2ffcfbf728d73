// Package patterns manages the ordered include and exclude rules of an
// instance.
package patterns

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fgeck/minarca-agent/internal/confstore"
	"github.com/fgeck/minarca-agent/internal/models"
	"github.com/gobwas/glob"
)

// WildcardPrefix marks a pattern matching at any depth.
const WildcardPrefix = "**/"

// Set is an ordered list of patterns; the first matching pattern decides.
type Set []models.Pattern

// IsWildcard reports whether p matches at any depth of the tree.
func IsWildcard(p string) bool {
	return strings.HasPrefix(filepath.ToSlash(p), WildcardPrefix)
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// Parse reads a pattern file. Lines are "+ path" for includes, "- path" for
// excludes and "# text" for a comment attached to the following pattern.
func Parse(r io.Reader) (Set, error) {
	var (
		set     Set
		comment []string
		lineNo  int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			comment = nil
		case strings.HasPrefix(trimmed, "#"):
			comment = append(comment, strings.TrimSpace(strings.TrimPrefix(trimmed, "#")))
		case strings.HasPrefix(trimmed, "+") || strings.HasPrefix(trimmed, "-"):
			value := strings.TrimSpace(trimmed[1:])
			if value == "" {
				return nil, fmt.Errorf("line %d: empty pattern", lineNo)
			}
			set = append(set, models.Pattern{
				Include: trimmed[0] == '+',
				Pattern: value,
				Comment: strings.Join(comment, " "),
			})
			comment = nil
		default:
			return nil, fmt.Errorf("line %d: expected '+', '-' or '#'", lineNo)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading patterns: %w", err)
	}
	return set, nil
}

// Load reads the pattern file at path. A missing file yields an empty set.
func Load(path string) (Set, error) {
	f, err := os.Open(path) //nolint:gosec // path is built by the caller
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	set, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return set, nil
}

// Bytes renders the set in file format.
func (s Set) Bytes() []byte {
	var b bytes.Buffer
	for _, p := range s {
		if p.Comment != "" {
			b.WriteString("# " + p.Comment + "\n")
		}
		if p.Include {
			b.WriteString("+ ")
		} else {
			b.WriteString("- ")
		}
		b.WriteString(p.Pattern + "\n")
	}
	return b.Bytes()
}

// Save atomically writes the set to path.
func Save(s Set, path string) error {
	return confstore.WriteFileAtomic(path, s.Bytes(), 0o600)
}

// HasIncludes reports whether at least one include pattern exists.
func (s Set) HasIncludes() bool {
	for _, p := range s {
		if p.Include {
			return true
		}
	}
	return false
}

// Add appends patterns, replacing any existing rule for the same path so
// the new rule takes effect.
func (s Set) Add(include bool, comment string, values ...string) Set {
	out := s.Remove(values...)
	for _, v := range values {
		out = append(out, models.Pattern{Include: include, Pattern: v, Comment: comment})
	}
	return out
}

// Remove drops every rule whose pattern equals one of values.
func (s Set) Remove(values ...string) Set {
	drop := make(map[string]bool, len(values))
	for _, v := range values {
		drop[normalize(v)] = true
	}
	out := make(Set, 0, len(s))
	for _, p := range s {
		if !drop[normalize(p.Pattern)] {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that a non wildcard pattern resolves to an existing path.
func Validate(p models.Pattern) error {
	if IsWildcard(p.Pattern) {
		return nil
	}
	if hasMeta(p.Pattern) {
		matches, err := filepath.Glob(p.Pattern)
		if err != nil || len(matches) == 0 {
			return models.Errorf(models.KindInvalidFileSpecification, "Invalid file specification %q", p.Pattern)
		}
		return nil
	}
	if !filepath.IsAbs(p.Pattern) {
		return models.Errorf(models.KindInvalidFileSpecification, "Invalid file specification %q: path must be absolute", p.Pattern)
	}
	if _, err := os.Lstat(p.Pattern); err != nil {
		return models.Errorf(models.KindInvalidFileSpecification, "Invalid file specification %q", p.Pattern)
	}
	return nil
}

// Ordered returns the rules in evaluation order: plain paths in file order
// followed by wildcard patterns in file order.
func (s Set) Ordered() Set {
	var plain, wild Set
	for _, p := range s {
		if IsWildcard(p.Pattern) {
			wild = append(wild, p)
		} else {
			plain = append(plain, p)
		}
	}
	return append(plain, wild...)
}

// Matches reports whether path is selected. Rules are evaluated in Ordered
// order, the order rdiff-backup receives them from Args; the first one
// matching path or a parent directory decides. No match means excluded.
func (s Set) Matches(p string) bool {
	target := normalize(p)
	for _, pat := range s.Ordered() {
		g, err := compile(pat.Pattern)
		if err != nil {
			continue
		}
		for candidate := target; ; candidate = path.Dir(candidate) {
			if g.Match(candidate) {
				return pat.Include
			}
			if candidate == "/" || candidate == "." || path.Dir(candidate) == candidate {
				break
			}
		}
	}
	return false
}

// Args renders --include/--exclude arguments for rdiff-backup in Ordered
// order, followed by a final exclusion of everything else.
func (s Set) Args() []string {
	args := make([]string, 0, 2*len(s)+2)
	for _, p := range s.Ordered() {
		if p.Include {
			args = append(args, "--include", p.Pattern)
		} else {
			args = append(args, "--exclude", p.Pattern)
		}
	}
	return append(args, "--exclude", "**")
}

// Includes returns the include patterns that are not wildcards.
func (s Set) Includes() []string {
	var out []string
	for _, p := range s {
		if p.Include && !IsWildcard(p.Pattern) {
			out = append(out, p.Pattern)
		}
	}
	return out
}

// WildcardExcludes returns the exclude patterns that are wildcards.
func (s Set) WildcardExcludes() []string {
	var out []string
	for _, p := range s {
		if !p.Include && IsWildcard(p.Pattern) {
			out = append(out, p.Pattern)
		}
	}
	return out
}

func normalize(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

func compile(p string) (glob.Glob, error) {
	p = normalize(p)
	if IsWildcard(p) {
		// "**/name" also matches "name" at the root.
		return glob.Compile("{" + p + "," + strings.TrimPrefix(p, WildcardPrefix) + "}", '/')
	}
	return glob.Compile(p, '/')
}
