package dag

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Graph holds every node of one run. Structural mutation (node and edge
// insertion) happens during the initial expansion and, later, inside the
// checkpoint expander's critical section; reads from executor workers take
// the read lock.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	// outputs maps each concrete output path to the task ID that produces
	// it, so a second producer is rejected.
	outputs map[string]string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:   make(map[string]*Node),
		outputs: make(map[string]string),
	}
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// All returns every node, sorted by ID for deterministic iteration.
func (g *Graph) All() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tasks returns every task node, sorted by ID.
func (g *Graph) Tasks() []*Node {
	var out []*Node
	for _, n := range g.All() {
		if n.Kind == TaskNode {
			out = append(out, n)
		}
	}
	return out
}

// DependentsOf returns a sorted snapshot of the node's dependents.
func (g *Graph) DependentsOf(n *Node) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(n.Dependents))
	for _, d := range n.Dependents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DepsOf returns a sorted snapshot of the node's dependencies.
func (g *Graph) DepsOf(n *Node) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(n.Deps))
	for _, d := range n.Deps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// addTask registers a new task node, enforcing that no concrete output path
// has two distinct producers.
func (g *Graph) addTask(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("internal: duplicate node %q", n.ID)
	}
	for _, out := range n.Outputs {
		if owner, ok := g.outputs[out]; ok {
			return fmt.Errorf("%w: output %q claimed by both %q and %q",
				ErrOutputConflict, out, owner, n.ID)
		}
	}
	for _, out := range n.Outputs {
		g.outputs[out] = n.ID
	}
	g.nodes[n.ID] = n
	return nil
}

// addArtifact registers (or returns the existing) raw artifact node for path.
func (g *Graph) addArtifact(path string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ArtifactID(path)
	if n, ok := g.nodes[id]; ok {
		return n
	}
	n := &Node{
		ID:         id,
		Kind:       ArtifactNode,
		Path:       path,
		Deps:       make(map[string]*Node),
		Dependents: make(map[string]*Node),
	}
	g.nodes[id] = n
	return n
}

// link records a dependency edge: dependent waits for dep.
func (g *Graph) link(dep, dependent *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dependent.Deps[dep.ID] = dep
	dep.Dependents[dependent.ID] = dependent
}

// InitCounters seeds every task's unmet dependency counter. Only task
// dependencies count: raw artifacts were verified to exist during expansion
// and gate nothing at run time.
func (g *Graph) InitCounters() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		var pending int32
		for _, dep := range n.Deps {
			if dep.Kind == TaskNode {
				pending++
			}
		}
		n.SetPendingDeps(pending)
	}
}

// DetectCycles verifies the graph is acyclic, returning an ErrCycle naming
// the offending chain otherwise.
func (g *Graph) DetectCycles() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch state[n.ID] {
		case done:
			return nil
		case visiting:
			// Trim the stack to the start of the loop for a readable
			// error message.
			i := 0
			for ; i < len(stack); i++ {
				if stack[i] == n.ID {
					break
				}
			}
			chain := append(append([]string{}, stack[i:]...), n.ID)
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(chain, " -> "))
		}
		state[n.ID] = visiting
		stack = append(stack, n.ID)
		// Deterministic error messages need deterministic visit order.
		deps := make([]string, 0, len(n.Deps))
		for id := range n.Deps {
			deps = append(deps, id)
		}
		sort.Strings(deps)
		for _, id := range deps {
			if err := visit(n.Deps[id]); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[n.ID] = done
		return nil
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(g.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// TopoOrder returns every node in dependency order (dependencies before
// dependents), with ties broken by ID. The graph must be acyclic.
func (g *Graph) TopoOrder() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indeg := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		indeg[id] = len(n.Deps)
	}
	var queue []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	out := make([]*Node, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := g.nodes[id]
		out = append(out, n)

		next := make([]string, 0, len(n.Dependents))
		for did := range n.Dependents {
			indeg[did]--
			if indeg[did] == 0 {
				next = append(next, did)
			}
		}
		sort.Strings(next)
		queue = append(queue, next...)
		sort.Strings(queue)
	}
	return out
}
