package rule

import "fmt"

// Validate checks a template's structural invariants after registration-time
// assembly (including inheritance). It also determines the member
// placeholder of each for-each input.
//
// The invariants, in declaration terms: every placeholder in an input
// pattern must be resolvable from the rule's output patterns, because output
// matching is what produces the binding; the single exception is the member
// placeholder of a for-each input, which is bound per enumerated member
// after the checkpoint completes.
func Validate(t *Template) error {
	if len(t.Outputs) == 0 {
		return fmt.Errorf("rule %q: declares no outputs", t.ID)
	}

	if t.Local {
		if t.Handler == "" {
			return fmt.Errorf("rule %q: local rules require a handler", t.ID)
		}
	} else if t.Command == nil {
		return fmt.Errorf("rule %q: non-local rules require a command", t.ID)
	}

	if t.Checkpoint {
		var hasDir bool
		for _, o := range t.Outputs {
			if o.Directory {
				hasDir = true
			}
		}
		if !hasDir {
			return fmt.Errorf("rule %q: checkpoint rules require a directory output", t.ID)
		}
	}

	outNames := t.OutputWildcards()

	for _, in := range t.Inputs {
		var extras []string
		for _, n := range in.Pattern.Names() {
			if !outNames[n] {
				extras = append(extras, n)
			}
		}

		if in.ForEach == nil {
			if len(extras) > 0 {
				return fmt.Errorf("rule %q: input %q uses placeholder %q which appears in no output",
					t.ID, in.Pattern, extras[0])
			}
			continue
		}

		if len(extras) != 1 {
			return fmt.Errorf("rule %q: for_each input %q must have exactly one member placeholder, found %d",
				t.ID, in.Pattern, len(extras))
		}
		in.Member = extras[0]

		for _, n := range in.ForEach.Names() {
			if !outNames[n] {
				return fmt.Errorf("rule %q: for_each pattern %q uses placeholder %q which appears in no output",
					t.ID, in.ForEach, n)
			}
		}
	}

	if t.Log != nil {
		for _, n := range t.Log.Names() {
			if !outNames[n] {
				return fmt.Errorf("rule %q: log pattern %q uses placeholder %q which appears in no output",
					t.ID, t.Log, n)
			}
		}
	}

	return nil
}
