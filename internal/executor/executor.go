// Package executor runs a task graph on a bounded worker pool. Tasks become
// dispatchable when their last unmet dependency settles; a failing task
// blocks its transitive dependents while unrelated branches keep running.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/dag"
)

// ErrTasksFailed is wrapped by Run's error when at least one task failed.
var ErrTasksFailed = errors.New("tasks failed")

// DefaultWorkers is used when the configured worker count is not positive.
const DefaultWorkers = 4

// TaskRunner executes one task's action. An error return marks the task
// failed; retry policy is the runner's concern.
type TaskRunner interface {
	Execute(ctx context.Context, n *dag.Node) error
}

// GraphExpander grows the graph after a checkpoint task settles, returning
// the spliced-in task nodes.
type GraphExpander interface {
	Expand(ctx context.Context, g *dag.Graph, cp *dag.Node) ([]*dag.Node, error)
}

// Executor drives one run of a task graph.
type Executor struct {
	graph    *dag.Graph
	runner   TaskRunner
	expander GraphExpander
	workers  int
	failFast bool

	wg     sync.WaitGroup
	ready  chan *dag.Node
	cancel context.CancelFunc

	// countersMu serializes pending-counter settlement against the
	// decrement performed when a dependency finishes, so a checkpoint
	// splice cannot lose a concurrent decrement.
	countersMu sync.Mutex
}

// New returns an executor over the already expanded and evaluated graph.
func New(g *dag.Graph, runner TaskRunner, expander GraphExpander, workers int, failFast bool) *Executor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Executor{
		graph:    g,
		runner:   runner,
		expander: expander,
		workers:  workers,
		failFast: failFast,
	}
}

// Run executes every task and blocks until the graph settles. The returned
// Result is complete even when the error is non-nil; the error wraps
// ErrTasksFailed when any task failed.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	tasks := e.graph.Tasks()
	// Spliced-in checkpoint work can outgrow any fixed buffer; dispatch
	// falls back to a goroutine send when the channel is full.
	e.ready = make(chan *dag.Node, len(tasks)+e.workers)
	e.graph.InitCounters()
	e.wg.Add(len(tasks))

	logger.Info("Starting execution.", "tasks", len(tasks), "workers", e.workers)

	for _, n := range tasks {
		if n.PendingDeps() == 0 && n.TransitionStatus(dag.StatusPending, dag.StatusReady) {
			e.dispatch(n)
		}
	}
	for i := 0; i < e.workers; i++ {
		go e.worker(runCtx, i)
	}

	e.wg.Wait()
	close(e.ready)

	res := e.collectResult()
	logger.Info("Execution finished.",
		"succeeded", res.Succeeded, "skipped", res.Skipped,
		"failed", res.Failed, "blocked", res.Blocked)
	if res.Failed > 0 {
		return res, fmt.Errorf("%w: %d of %d", ErrTasksFailed, res.Failed, len(res.Tasks))
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// dispatch queues a ready task without ever blocking the caller.
func (e *Executor) dispatch(n *dag.Node) {
	select {
	case e.ready <- n:
	default:
		go func() { e.ready <- n }()
	}
}

func (e *Executor) worker(ctx context.Context, id int) {
	logger := ctxlog.FromContext(ctx).With("worker", id)
	for n := range e.ready {
		if ctx.Err() != nil {
			// The run was canceled; abandon instead of starting.
			if n.TransitionStatus(dag.StatusReady, dag.StatusBlocked) {
				e.blockDependents(n)
				e.wg.Done()
			}
			continue
		}
		e.process(ctxlog.WithLogger(ctx, logger), n)
	}
}

func (e *Executor) process(ctx context.Context, n *dag.Node) {
	logger := ctxlog.FromContext(ctx).With("task", n.ID)

	if !n.MustRun() {
		logger.Debug("Task is up to date, skipping.")
		e.settle(ctx, n, dag.StatusSkipped)
		return
	}

	n.SetStatus(dag.StatusRunning)
	logger.Info("Starting task.", "rule", n.Template.ID, "binding", n.Binding.Canonical())

	if err := e.runner.Execute(ctx, n); err != nil {
		n.Err = err
		n.SetStatus(dag.StatusFailed)
		logger.Error("Task failed.", "error", err, "log", n.LogPath)
		e.blockDependents(n)
		if e.failFast {
			e.cancel()
		}
		e.wg.Done()
		return
	}

	logger.Info("Task succeeded.", "attempts", n.Attempts)
	e.settle(ctx, n, dag.StatusSucceeded)
}

// settle finishes a satisfied task: checkpoints first splice their deferred
// subgraph in, then dependents are unlocked. The node's own wg slot is
// released last so the run cannot settle while a splice is in flight.
func (e *Executor) settle(ctx context.Context, n *dag.Node, st dag.Status) {
	if n.IsCheckpoint() {
		// A skipped checkpoint still expands: the directory exists and the
		// member set is the same whether or not the task re-ran.
		n.SetStatus(st)
		added, err := e.expander.Expand(ctx, e.graph, n)
		if err != nil {
			// The expansion failing is a graph construction error, but it
			// surfaces like a task failure so the run can finish cleanly.
			n.Err = err
			n.SetStatus(dag.StatusFailed)
			ctxlog.FromContext(ctx).Error("Checkpoint expansion failed.",
				"task", n.ID, "error", err)
			e.blockDependents(n)
			if e.failFast {
				e.cancel()
			}
			e.wg.Done()
			return
		}
		e.wg.Add(len(added))
		e.resettle(append(added, e.graph.DependentsOf(n)...))
		e.wg.Done()
		return
	}

	e.unlockDependents(n, st)
	e.wg.Done()
}

// unlockDependents publishes the node's terminal status and decrements each
// dependent's counter in one critical section, so a concurrent splice
// recount cannot observe the status without its decrement (or the other way
// round). Dependents reaching zero are dispatched outside the lock; the
// status transition guards double dispatch.
func (e *Executor) unlockDependents(n *dag.Node, st dag.Status) {
	var unlocked []*dag.Node
	e.countersMu.Lock()
	n.SetStatus(st)
	for _, dep := range e.graph.DependentsOf(n) {
		if dep.Kind != dag.TaskNode {
			continue
		}
		if dep.DecrementPendingDeps() == 0 {
			unlocked = append(unlocked, dep)
		}
	}
	e.countersMu.Unlock()

	for _, dep := range unlocked {
		if dep.TransitionStatus(dag.StatusPending, dag.StatusReady) {
			e.dispatch(dep)
		}
	}
}

// resettle recomputes scheduling state for nodes a checkpoint splice
// touched: spliced-in tasks and the checkpoint's direct dependents. Counters
// are recounted from dependency statuses under countersMu so concurrent
// finishes elsewhere in the graph cannot race the recount.
func (e *Executor) resettle(nodes []*dag.Node) {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Kind != dag.TaskNode || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		if n.Status() != dag.StatusPending {
			continue
		}

		failedDep := false
		var pending int32
		e.countersMu.Lock()
		for _, dep := range e.graph.DepsOf(n) {
			if dep.Kind != dag.TaskNode {
				continue
			}
			switch {
			case dep.Status().Satisfied():
			case dep.Status().Terminal():
				failedDep = true
			default:
				pending++
			}
		}
		if !failedDep {
			n.SetPendingDeps(pending)
		}
		e.countersMu.Unlock()

		if failedDep {
			if n.TransitionStatus(dag.StatusPending, dag.StatusBlocked) {
				e.blockDependents(n)
				e.wg.Done()
			}
			continue
		}
		if pending == 0 && n.TransitionStatus(dag.StatusPending, dag.StatusReady) {
			e.dispatch(n)
		}
	}
}

// blockDependents walks the transitive dependents of a failed or blocked
// node, marking every still-pending task blocked and releasing its wg slot.
func (e *Executor) blockDependents(n *dag.Node) {
	for _, dep := range e.graph.DependentsOf(n) {
		if dep.Kind != dag.TaskNode {
			continue
		}
		if dep.TransitionStatus(dag.StatusPending, dag.StatusBlocked) {
			e.wg.Done()
			e.blockDependents(dep)
		}
	}
}
