package dag

import (
	"context"
	"sync"

	"github.com/vk/pipegrid/internal/ctxlog"
)

// Expander performs the deferred graph growth that follows a completed
// checkpoint task: it enumerates the produced directory, concretizes every
// dependent's for-each inputs, splices the newly discovered producer tasks
// into the graph behind checkpoint barrier edges, and refreshes the
// staleness decisions the new structure affects.
//
// Splices are serialized: two checkpoints finishing concurrently expand one
// after the other.
type Expander struct {
	mu      sync.Mutex
	builder *Builder
	eval    *Evaluator
}

// NewExpander returns an expander reusing the run's builder and evaluator.
func NewExpander(b *Builder, e *Evaluator) *Expander {
	return &Expander{builder: b, eval: e}
}

// Expand resolves every deferred input waiting on the finished checkpoint
// cp and returns the task nodes the splice added. The expansion runs whether
// the checkpoint executed or was skipped as fresh; either way the directory
// now exists and enumeration yields the same member set, and task identity
// deduplication makes a repeated expansion a no-op.
func (x *Expander) Expand(ctx context.Context, g *Graph, cp *Node) ([]*Node, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	logger := ctxlog.FromContext(ctx)

	var added []*Node
	x.builder.collect = &added
	defer func() { x.builder.collect = nil }()

	for _, consumer := range g.DependentsOf(cp) {
		if len(consumer.Deferred) == 0 {
			continue
		}
		remaining := consumer.Deferred[:0]
		for _, d := range consumer.Deferred {
			if d.CheckpointID != cp.ID {
				remaining = append(remaining, d)
				continue
			}
			if _, err := x.builder.expandMembers(ctx, g, consumer, d); err != nil {
				return nil, err
			}
		}
		consumer.Deferred = remaining
	}

	// Barrier edges gate every newly discovered task behind the checkpoint
	// that revealed it.
	for _, n := range added {
		g.link(cp, n)
	}

	if len(added) > 0 {
		if err := g.DetectCycles(); err != nil {
			return nil, err
		}
		logger.Info("Checkpoint expanded the graph.",
			"checkpoint", cp.ID, "new_tasks", len(added))
	}

	x.eval.Evaluate(ctx, g)
	return added, nil
}
