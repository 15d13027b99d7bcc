// Package wildcard implements the placeholder patterns used by rule
// templates. A pattern is a path such as "tables/{table}.tsv" in which each
// {name} placeholder matches exactly one path segment. Matching is purely
// textual and deterministic: the same path against the same pattern always
// yields the same binding.
package wildcard

import (
	"fmt"
	"regexp"
	"strings"
)

// nameRegex validates placeholder names.
var nameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Pattern is a compiled path pattern. It is immutable after Compile and safe
// for concurrent use.
type Pattern struct {
	raw   string
	names []string // placeholder name per capture group, in order of appearance
	re    *regexp.Regexp
}

// Compile parses a raw pattern string into a Pattern. A placeholder is
// written {name}; the same name may appear more than once, in which case all
// occurrences must match the same value. A pattern without placeholders
// compiles to an exact-match pattern.
func Compile(raw string) (*Pattern, error) {
	var sb strings.Builder
	sb.WriteString(`\A`)

	var names []string
	rest := raw
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return nil, fmt.Errorf("pattern %q: unterminated placeholder", raw)
		}
		name := rest[open+1 : open+closing]
		if !nameRegex.MatchString(name) {
			return nil, fmt.Errorf("pattern %q: invalid placeholder name %q", raw, name)
		}

		sb.WriteString(regexp.QuoteMeta(rest[:open]))
		// Each placeholder matches one path segment.
		sb.WriteString(`([^/]+)`)
		names = append(names, name)
		rest = rest[open+closing+1:]
	}
	sb.WriteString(regexp.QuoteMeta(rest))
	sb.WriteString(`\z`)

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", raw, err)
	}

	return &Pattern{raw: raw, names: names, re: re}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// static initialization.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Names returns the distinct placeholder names in order of first appearance.
func (p *Pattern) Names() []string {
	seen := make(map[string]bool, len(p.names))
	var out []string
	for _, n := range p.names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// HasWildcards reports whether the pattern contains any placeholder.
func (p *Pattern) HasWildcards() bool { return len(p.names) > 0 }

// Match attempts to match path against the pattern. On success it returns
// the binding of placeholder values. Go's regexp engine has no backreferences,
// so repeated placeholders are captured independently and checked for
// consistency here: a path binding one name to two different values does not
// match.
func (p *Pattern) Match(path string) (Binding, bool) {
	groups := p.re.FindStringSubmatch(path)
	if groups == nil {
		return nil, false
	}

	b := make(Binding, len(p.names))
	for i, name := range p.names {
		val := groups[i+1]
		if prev, ok := b[name]; ok {
			if prev != val {
				return nil, false
			}
			continue
		}
		b[name] = val
	}
	return b, true
}

// Expand substitutes the binding's values into the pattern, producing a
// concrete path. Every placeholder must be bound.
func (p *Pattern) Expand(b Binding) (string, error) {
	if !p.HasWildcards() {
		return p.raw, nil
	}
	var sb strings.Builder
	rest := p.raw
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		name := rest[open+1 : open+closing]

		val, ok := b[name]
		if !ok {
			return "", fmt.Errorf("pattern %q: placeholder %q is not bound", p.raw, name)
		}
		sb.WriteString(rest[:open])
		sb.WriteString(val)
		rest = rest[open+closing+1:]
	}
	sb.WriteString(rest)
	return sb.String(), nil
}
