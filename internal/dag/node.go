// Package dag builds and maintains the artifact dependency graph: task
// instantiation from rule templates, identity deduplication, cycle and
// output-conflict detection, mtime staleness evaluation, and the deferred
// expansion performed after a checkpoint task completes.
package dag

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/pipegrid/internal/rule"
	"github.com/vk/pipegrid/internal/wildcard"
)

// Kind distinguishes between different kinds of nodes in the graph.
type Kind int

const (
	// TaskNode represents an instantiated rule template.
	TaskNode Kind = iota
	// ArtifactNode represents a pre-existing raw input with no producing rule.
	ArtifactNode
)

// Status is the execution state of a node, managed atomically.
type Status int32

const (
	// StatusPending indicates the node is waiting for its dependencies.
	StatusPending Status = iota
	// StatusReady indicates every dependency is satisfied and the node is queued.
	StatusReady
	// StatusRunning indicates a worker is executing the node.
	StatusRunning
	// StatusSucceeded indicates the node's action completed successfully.
	StatusSucceeded
	// StatusFailed indicates the node's action failed.
	StatusFailed
	// StatusSkipped indicates the staleness evaluator found the node fresh,
	// so its action was not run. Artifact nodes are always skipped.
	StatusSkipped
	// StatusBlocked indicates an ancestor failed; the node will never run.
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Satisfied reports whether the status satisfies a dependent: the node is
// done and did not fail.
func (s Status) Satisfied() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s.Satisfied() || s == StatusFailed || s == StatusBlocked
}

// DeferredInput is a for-each input whose member set is unknown until its
// checkpoint directory has been produced.
type DeferredInput struct {
	Input *rule.Input
	// Dir is the concrete enumerable directory path.
	Dir string
	// CheckpointID is the node ID of the producing checkpoint task.
	CheckpointID string
}

// Node is a single vertex in the execution graph: one task instantiation or
// one pre-existing artifact.
type Node struct {
	// ID is the unique identifier. Identity for task nodes is the pair
	// (template ID, canonical wildcard binding), which makes expansion
	// idempotent under repeated artifact requests.
	ID   string
	Kind Kind

	// Task fields; nil/empty for artifact nodes.
	Template *rule.Template
	Binding  wildcard.Binding
	// Inputs are the concrete input paths known so far, in declaration
	// order (members of for-each inputs are appended at expansion time, in
	// enumeration order).
	Inputs []string
	// Outputs are the concrete output paths, index-aligned with
	// Template.Outputs so their directory/update flags can be consulted.
	Outputs []string
	// Ancient marks input paths whose recency is exempt from staleness
	// comparisons.
	Ancient map[string]bool
	// LogPath is where the runner captures the task's output.
	LogPath string
	// Deferred lists for-each inputs not yet enumerated.
	Deferred []*DeferredInput

	// Path is the artifact path; set for artifact nodes only.
	Path string

	// Deps and Dependents are guarded by the owning Graph's lock.
	Deps       map[string]*Node
	Dependents map[string]*Node

	// Err records the failure that put the node into StatusFailed.
	Err error
	// Attempts counts runner attempts, including retries.
	Attempts int

	status      atomic.Int32
	pendingDeps atomic.Int32

	// mustRun is written by the staleness evaluator before the node is
	// dispatchable and read only by the worker processing the node.
	mustRun atomic.Bool

	paramsOnce sync.Once
	params     map[string]cty.Value
	paramsErr  error
}

// TaskID renders the canonical identity of a task instantiation.
func TaskID(templateID string, b wildcard.Binding) string {
	if len(b) == 0 {
		return "task." + templateID
	}
	return fmt.Sprintf("task.%s[%s]", templateID, b.Canonical())
}

// ArtifactID renders the identity of a raw artifact node.
func ArtifactID(path string) string {
	return "artifact." + path
}

// Status atomically retrieves the node's execution state.
func (n *Node) Status() Status {
	return Status(n.status.Load())
}

// SetStatus atomically sets the node's execution state.
func (n *Node) SetStatus(s Status) {
	n.status.Store(int32(s))
}

// TransitionStatus atomically moves the node from one state to another,
// reporting whether this call performed the transition. The executor uses it
// to guarantee each node is dispatched or blocked exactly once.
func (n *Node) TransitionStatus(from, to Status) bool {
	return n.status.CompareAndSwap(int32(from), int32(to))
}

// PendingDeps atomically returns the unmet dependency count.
func (n *Node) PendingDeps() int32 {
	return n.pendingDeps.Load()
}

// SetPendingDeps atomically stores the unmet dependency count.
func (n *Node) SetPendingDeps(v int32) {
	n.pendingDeps.Store(v)
}

// DecrementPendingDeps atomically decrements the counter, returning the new value.
func (n *Node) DecrementPendingDeps() int32 {
	return n.pendingDeps.Add(-1)
}

// MustRun reports the staleness decision: true means the task's action runs,
// false means the task is skipped as fresh.
func (n *Node) MustRun() bool {
	return n.mustRun.Load()
}

// SetMustRun records the staleness decision.
func (n *Node) SetMustRun(v bool) {
	n.mustRun.Store(v)
}

// IsCheckpoint reports whether the node is a checkpoint task.
func (n *Node) IsCheckpoint() bool {
	return n.Kind == TaskNode && n.Template.Checkpoint
}

// EvalParams evaluates the task's deferred parameter expressions via build,
// exactly once; subsequent calls return the memoized result.
func (n *Node) EvalParams(build func() (map[string]cty.Value, error)) (map[string]cty.Value, error) {
	n.paramsOnce.Do(func() {
		n.params, n.paramsErr = build()
	})
	return n.params, n.paramsErr
}

// Describe returns a short human-readable form for logs and errors.
func (n *Node) Describe() string {
	if n.Kind == ArtifactNode {
		return "artifact " + n.Path
	}
	var sb strings.Builder
	sb.WriteString("task ")
	sb.WriteString(n.Template.ID)
	if len(n.Binding) > 0 {
		sb.WriteByte('[')
		sb.WriteString(n.Binding.Canonical())
		sb.WriteByte(']')
	}
	return sb.String()
}
