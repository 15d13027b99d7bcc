package wildcard

import (
	"sort"
	"strings"
)

// Binding maps placeholder names to the concrete values chosen for one task
// instantiation. Within one instantiation a name maps to exactly one value
// across all of the task's patterns.
type Binding map[string]string

// Canonical renders the binding as "k=v,k=v" with keys sorted, suitable for
// use in task identities and log output.
func (b Binding) Canonical() string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(b[k])
	}
	return sb.String()
}

// Clone returns an independent copy of the binding.
func (b Binding) Clone() Binding {
	out := make(Binding, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Merge combines b with other into a new binding. It reports false when the
// two bindings disagree on a shared name, which signals an inconsistent
// instantiation.
func (b Binding) Merge(other Binding) (Binding, bool) {
	out := b.Clone()
	for k, v := range other {
		if prev, ok := out[k]; ok && prev != v {
			return nil, false
		}
		out[k] = v
	}
	return out, true
}
