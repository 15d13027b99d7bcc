package rule

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vk/pipegrid/internal/wildcard"
)

// Match is the result of resolving a target path: the template producing it,
// the specific output pattern that matched, and the wildcard binding
// extracted from the path.
type Match struct {
	Template *Template
	Output   *Output
	Binding  wildcard.Binding
}

// Resolver maps target artifact paths to the templates that produce them.
type Resolver struct {
	reg *Registry
}

// NewResolver creates a Resolver over the given registry.
func NewResolver(reg *Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve finds the unique template whose output pattern matches path.
//
// Zero matches fail with ErrNoRule; the caller falls back to treating the
// path as a pre-existing raw artifact. Matches from more than one template,
// or from one template under conflicting bindings, fail with
// ErrAmbiguousRule. Templates are scanned in registration order, so
// resolution is deterministic for a fixed registry.
func (r *Resolver) Resolve(path string) (*Match, error) {
	var matches []*Match
	for _, t := range r.reg.All() {
		for _, out := range t.Outputs {
			b, ok := out.Pattern.Match(path)
			if !ok {
				continue
			}
			matches = append(matches, &Match{Template: t, Output: out, Binding: b})
		}
	}

	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("%w: %q", ErrNoRule, path)
	case len(matches) == 1:
		return matches[0], nil
	}

	// Multiple output patterns of the same template may legitimately match
	// when they agree on the binding.
	first := matches[0]
	for _, m := range matches[1:] {
		if m.Template.ID != first.Template.ID || m.Binding.Canonical() != first.Binding.Canonical() {
			return nil, fmt.Errorf("%w: %q is produced by %s", ErrAmbiguousRule, path, describeMatches(matches))
		}
	}
	return first, nil
}

func describeMatches(matches []*Match) string {
	ids := make([]string, 0, len(matches))
	seen := make(map[string]bool)
	for _, m := range matches {
		desc := fmt.Sprintf("%s[%s]", m.Template.ID, m.Binding.Canonical())
		if !seen[desc] {
			seen[desc] = true
			ids = append(ids, desc)
		}
	}
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}
