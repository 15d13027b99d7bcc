// Package rule defines the rule-template model, the registry of registered
// templates, and the resolver that maps a requested artifact path to the
// template producing it.
package rule

import (
	"github.com/hashicorp/hcl/v2"

	"github.com/vk/pipegrid/internal/wildcard"
)

// Input is one declared input pattern of a rule template.
type Input struct {
	// Pattern is the input path pattern. For a for-each input this is the
	// per-member pattern, containing the member placeholder.
	Pattern *wildcard.Pattern

	// Ancient marks the input's recency as exempt from staleness
	// comparisons: a newer mtime on this input never makes a consumer stale.
	Ancient bool

	// ForEach, when set, declares one input per member of the directory the
	// pattern resolves to. The directory must be produced by a checkpoint
	// rule; the member set is only known once that rule has run.
	ForEach *wildcard.Pattern

	// Member is the placeholder name bound per enumerated member. It is the
	// single placeholder of Pattern that does not appear in the rule's
	// outputs. Empty for plain inputs.
	Member string
}

// Output is one declared output pattern of a rule template.
type Output struct {
	Pattern *wildcard.Pattern

	// Directory marks the output as a directory rather than a file.
	Directory bool

	// Update forces the producing task stale on every run, regardless of
	// timestamps. Used for targets whose correctness depends on external
	// state not reflected in local mtimes.
	Update bool
}

// Template is a parameterized task definition. Templates are immutable once
// registered; instantiation happens during graph expansion by binding the
// template's placeholders to concrete values.
type Template struct {
	ID      string
	Inputs  []*Input
	Outputs []*Output

	// Params holds the rule's parameter expressions, unevaluated. They are
	// evaluated once per task instantiation against the task's wildcard
	// binding and memoized on the task.
	Params map[string]hcl.Expression

	// Command is the action expression for external tasks, evaluated per
	// task with wildcards, params, inputs and outputs in scope.
	Command hcl.Expression

	// Log is the pattern for the task's log file. Empty means a default
	// location derived from the rule ID and binding.
	Log *wildcard.Pattern

	// Local tasks run an in-process handler instead of an external command.
	Local   bool
	Handler string

	// Checkpoint marks the rule's output set as unknown until execution:
	// the produced directory is enumerated after the task completes and the
	// downstream subgraph is expanded then.
	Checkpoint bool

	// Retries bounds retry attempts for transient failures. A negative
	// value means "use the pipeline default".
	Retries int

	// TransientExitCodes lists exit codes classified as transient. Nil
	// means "use the pipeline default".
	TransientExitCodes []int
}

// OutputWildcards returns the set of placeholder names appearing in any
// output pattern. Every input placeholder must come from this set, except
// the member placeholder of a for-each input.
func (t *Template) OutputWildcards() map[string]bool {
	names := make(map[string]bool)
	for _, o := range t.Outputs {
		for _, n := range o.Pattern.Names() {
			names[n] = true
		}
	}
	return names
}

// clone returns a deep-enough copy of the template for the override
// mechanism: slices and maps are copied, while compiled patterns and HCL
// expressions are immutable and shared.
func (t *Template) clone() *Template {
	cp := *t
	cp.Inputs = make([]*Input, len(t.Inputs))
	for i, in := range t.Inputs {
		inCopy := *in
		cp.Inputs[i] = &inCopy
	}
	cp.Outputs = make([]*Output, len(t.Outputs))
	for i, out := range t.Outputs {
		outCopy := *out
		cp.Outputs[i] = &outCopy
	}
	if t.Params != nil {
		cp.Params = make(map[string]hcl.Expression, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.TransientExitCodes != nil {
		cp.TransientExitCodes = append([]int(nil), t.TransientExitCodes...)
	}
	return &cp
}

// Override describes the fields a derived rule declares. Each set flag
// replaces the corresponding base field wholesale; there is no merging of
// individual entries.
type Override struct {
	Inputs  []*Input
	Outputs []*Output
	Params  map[string]hcl.Expression
	Command hcl.Expression
	Log     *wildcard.Pattern
	LogSet  bool

	Local         *bool
	Handler       *string
	Checkpoint    *bool
	Retries       *int
	TransientCode []int
}

// Derive builds a new template from base by applying the override under the
// given identifier.
func Derive(id string, base *Template, o *Override) *Template {
	t := base.clone()
	t.ID = id

	if o.Inputs != nil {
		t.Inputs = o.Inputs
	}
	if o.Outputs != nil {
		t.Outputs = o.Outputs
	}
	if o.Params != nil {
		t.Params = o.Params
	}
	if o.Command != nil {
		t.Command = o.Command
	}
	if o.LogSet {
		t.Log = o.Log
	}
	if o.Local != nil {
		t.Local = *o.Local
	}
	if o.Handler != nil {
		t.Handler = *o.Handler
	}
	if o.Checkpoint != nil {
		t.Checkpoint = *o.Checkpoint
	}
	if o.Retries != nil {
		t.Retries = *o.Retries
	}
	if o.TransientCode != nil {
		t.TransientExitCodes = o.TransientCode
	}
	return t
}
