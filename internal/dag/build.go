package dag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/fsutil"
	"github.com/vk/pipegrid/internal/rule"
	"github.com/vk/pipegrid/internal/wildcard"
)

// Builder expands requested artifact paths into a task graph by resolving
// each path to its producing template, instantiating the template under the
// extracted binding, and recursing into the instantiation's inputs.
//
// A Builder is not safe for concurrent use. The initial expansion runs on
// one goroutine; post-checkpoint expansion is serialized by the Expander.
type Builder struct {
	set      *rule.Set
	resolver *rule.Resolver

	// stat is swappable so tests can present a synthetic filesystem.
	stat func(string) (os.FileInfo, error)

	// collect, when non-nil, receives every task node created during the
	// current expansion. The checkpoint expander uses it to settle
	// scheduling state for spliced-in work.
	collect *[]*Node
}

// NewBuilder returns a builder over the loaded rule set.
func NewBuilder(set *rule.Set) *Builder {
	return &Builder{
		set:      set,
		resolver: rule.NewResolver(set.Registry),
		stat:     os.Stat,
	}
}

// abs resolves a workdir-relative artifact path for filesystem access.
func (b *Builder) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(b.set.Settings.Workdir, path)
}

// Expand builds the graph reachable from the requested goal paths and
// verifies it is acyclic and conflict-free.
func (b *Builder) Expand(ctx context.Context, goals []string) (*Graph, error) {
	g := New()
	for _, goal := range goals {
		if _, err := b.resolveInto(ctx, g, goal); err != nil {
			return nil, err
		}
	}
	if err := g.DetectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// resolveInto returns the node producing path, creating it and its upstream
// subgraph on first sight.
func (b *Builder) resolveInto(ctx context.Context, g *Graph, path string) (*Node, error) {
	m, err := b.resolver.Resolve(path)
	if errors.Is(err, rule.ErrNoRule) {
		if _, statErr := b.stat(b.abs(path)); statErr != nil {
			return nil, fmt.Errorf("%w: %q matches no rule and does not exist", ErrMissingArtifact, path)
		}
		return g.addArtifact(path), nil
	}
	if err != nil {
		return nil, err
	}
	return b.instantiate(ctx, g, m)
}

// instantiate materializes one task node for the matched template and
// binding, deduplicating on task identity.
func (b *Builder) instantiate(ctx context.Context, g *Graph, m *rule.Match) (*Node, error) {
	tpl := m.Template
	id := TaskID(tpl.ID, m.Binding)
	if existing := g.Node(id); existing != nil {
		return existing, nil
	}

	outputs := make([]string, len(tpl.Outputs))
	for i, out := range tpl.Outputs {
		concrete, err := out.Pattern.Expand(m.Binding)
		if err != nil {
			return nil, fmt.Errorf("rule %q requested via %q: %w", tpl.ID, m.Output.Pattern, err)
		}
		outputs[i] = concrete
	}

	logPath, err := b.logPath(tpl, m.Binding)
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:         id,
		Kind:       TaskNode,
		Template:   tpl,
		Binding:    m.Binding,
		Outputs:    outputs,
		Ancient:    make(map[string]bool),
		LogPath:    logPath,
		Deps:       make(map[string]*Node),
		Dependents: make(map[string]*Node),
	}
	if err := g.addTask(n); err != nil {
		return nil, err
	}
	if b.collect != nil {
		*b.collect = append(*b.collect, n)
	}

	for _, in := range tpl.Inputs {
		if in.ForEach != nil {
			if err := b.wireForEach(ctx, g, n, in); err != nil {
				return nil, err
			}
			continue
		}
		inPath, err := in.Pattern.Expand(m.Binding)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", tpl.ID, err)
		}
		dep, err := b.resolveInto(ctx, g, inPath)
		if err != nil {
			return nil, err
		}
		g.link(dep, n)
		n.Inputs = append(n.Inputs, inPath)
		if in.Ancient {
			n.Ancient[inPath] = true
		}
	}
	return n, nil
}

// wireForEach connects a for-each input to the node producing its directory.
// When that producer is a checkpoint still to run, enumeration is deferred;
// when the directory already exists (a raw artifact or an already-finished
// checkpoint from an earlier splice) the members are enumerated immediately.
func (b *Builder) wireForEach(ctx context.Context, g *Graph, consumer *Node, in *rule.Input) error {
	dir, err := in.ForEach.Expand(consumer.Binding)
	if err != nil {
		return fmt.Errorf("rule %q: %w", consumer.Template.ID, err)
	}
	producer, err := b.resolveInto(ctx, g, dir)
	if err != nil {
		return err
	}
	if producer.Kind == TaskNode && !producer.Template.Checkpoint {
		return fmt.Errorf("rule %q: for_each directory %q is produced by rule %q, which is not a checkpoint",
			consumer.Template.ID, dir, producer.Template.ID)
	}
	g.link(producer, consumer)

	d := &DeferredInput{Input: in, Dir: dir}
	if producer.Kind == TaskNode {
		d.CheckpointID = producer.ID
		if !producer.Status().Terminal() {
			consumer.Deferred = append(consumer.Deferred, d)
			return nil
		}
	}
	_, err = b.expandMembers(ctx, g, consumer, d)
	return err
}

// expandMembers enumerates the deferred input's directory and wires one
// concrete input per matching member. It returns the producer node of each
// member so the caller can add checkpoint barrier edges.
func (b *Builder) expandMembers(ctx context.Context, g *Graph, consumer *Node, d *DeferredInput) ([]*Node, error) {
	logger := ctxlog.FromContext(ctx)

	members, err := fsutil.ListDir(b.abs(d.Dir))
	if err != nil {
		return nil, fmt.Errorf("enumerating for_each directory %q: %w", d.Dir, err)
	}

	// Members are recognized by matching the file name against the member
	// part of the per-member pattern; anything else in the directory is
	// ignored with a warning.
	base, err := wildcard.Compile(filepath.Base(d.Input.Pattern.String()))
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", consumer.Template.ID, err)
	}

	var producers []*Node
	for _, member := range members {
		mb, ok := base.Match(member)
		if !ok {
			logger.Warn("Ignoring directory member not matching the for_each pattern.",
				"dir", d.Dir, "member", member, "pattern", base.String())
			continue
		}
		merged, ok := consumer.Binding.Merge(mb)
		if !ok {
			logger.Warn("Ignoring directory member with a conflicting wildcard binding.",
				"dir", d.Dir, "member", member)
			continue
		}
		concrete, err := d.Input.Pattern.Expand(merged)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", consumer.Template.ID, err)
		}
		dep, err := b.resolveInto(ctx, g, concrete)
		if err != nil {
			return nil, err
		}
		g.link(dep, consumer)
		consumer.Inputs = append(consumer.Inputs, concrete)
		if d.Input.Ancient {
			consumer.Ancient[concrete] = true
		}
		producers = append(producers, dep)
	}
	if len(producers) == 0 {
		logger.Warn("For_each input matched no directory members.",
			"task", consumer.ID, "dir", d.Dir)
	}
	return producers, nil
}

// logPath picks the task's log location: the rule's log pattern when
// declared, otherwise a file under the configured log directory named from
// the rule ID and binding.
func (b *Builder) logPath(tpl *rule.Template, bind wildcard.Binding) (string, error) {
	if tpl.Log != nil {
		return tpl.Log.Expand(bind)
	}
	name := tpl.ID
	if len(bind) > 0 {
		name += "_" + strings.ReplaceAll(bind.Canonical(), "/", "_")
	}
	return filepath.Join(b.set.Settings.LogDir, name+".log"), nil
}
