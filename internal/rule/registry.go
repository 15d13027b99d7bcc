package rule

import "fmt"

// Registry holds all registered rule templates for a single run. Templates
// are loaded once at startup and the registry is read-only afterwards, so no
// locking is required.
type Registry struct {
	templates map[string]*Template
	order     []string // registration order, for deterministic iteration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// Register adds a template. Registering an identifier twice fails with
// ErrDuplicateRule.
func (r *Registry) Register(t *Template) error {
	if t.ID == "" {
		return fmt.Errorf("rule template has empty identifier")
	}
	if _, exists := r.templates[t.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateRule, t.ID)
	}
	r.templates[t.ID] = t
	r.order = append(r.order, t.ID)
	return nil
}

// RegisterDerived resolves base, applies the override and registers the
// result under id. The base template must already be registered.
func (r *Registry) RegisterDerived(id, base string, o *Override) error {
	baseTpl, err := r.Lookup(base)
	if err != nil {
		return fmt.Errorf("deriving rule %q: %w", id, err)
	}
	return r.Register(Derive(id, baseTpl, o))
}

// Lookup returns the template registered under id, or ErrUnknownRule.
func (r *Registry) Lookup(id string) (*Template, error) {
	t, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, id)
	}
	return t, nil
}

// All returns every registered template in registration order.
func (r *Registry) All() []*Template {
	out := make([]*Template, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.templates[id])
	}
	return out
}

// Len returns the number of registered templates.
func (r *Registry) Len() int { return len(r.order) }
