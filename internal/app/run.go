package app

import (
	"context"
	"fmt"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/dag"
	"github.com/vk/pipegrid/internal/executor"
	"github.com/vk/pipegrid/internal/history"
	"github.com/vk/pipegrid/internal/runner"
)

// Run executes one invocation: expand the graph for the requested targets,
// decide staleness, then either print the plan (dry run) or execute.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.HealthcheckPort > 0 {
		a.startHealthcheckServer()
		defer a.closeHealthcheckServer(ctx)
	}

	targets, err := a.set.ResolveTargets(a.config.Targets)
	if err != nil {
		return err
	}
	a.logger.Info("Resolved targets.", "targets", targets)

	builder := dag.NewBuilder(a.set)
	graph, err := builder.Expand(ctx, targets)
	if err != nil {
		return fmt.Errorf("building dependency graph: %w", err)
	}
	a.logger.Debug("Dependency graph built.", "node_count", graph.Len())

	eval := dag.NewEvaluator(a.set.Settings)
	eval.Evaluate(ctx, graph)

	if a.config.DryRun {
		a.printPlan(graph)
		return nil
	}

	taskRunner := runner.New(a.set.Settings, a.handlers, a.config.Timeout)
	expander := dag.NewExpander(builder, eval)
	exec := executor.New(graph, taskRunner, expander, a.config.Workers, a.config.FailFast)

	var store *history.Store
	var runID string
	if a.config.HistoryPath != "" {
		store, err = history.Open(a.config.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()
		runID, err = store.BeginRun(targets)
		if err != nil {
			return err
		}
	}

	a.logger.Info("🚀 Starting concurrent execution...")
	res, runErr := exec.Run(ctx)
	a.logger.Info("🏁 Execution finished.")

	if store != nil {
		a.recordRun(store, runID, res, runErr)
	}
	return runErr
}

// printPlan writes the dry-run plan: every task in dependency order with the
// staleness decision.
func (a *App) printPlan(graph *dag.Graph) {
	fmt.Fprintln(a.outW, "Plan:")
	for _, n := range graph.TopoOrder() {
		if n.Kind != dag.TaskNode {
			continue
		}
		action := "skip (up to date)"
		if n.MustRun() {
			action = "run"
		}
		fmt.Fprintf(a.outW, "  %-18s %s\n", action, n.Describe())
		for _, d := range n.Deferred {
			fmt.Fprintf(a.outW, "  %-18s %s members of %s, known after %s\n",
				"defer", n.Describe(), d.Dir, d.CheckpointID)
		}
	}
}

// recordRun persists the run outcome; history failures are logged, never
// surfaced over the run's own result.
func (a *App) recordRun(store *history.Store, runID string, res *executor.Result, runErr error) {
	for _, tr := range res.Tasks {
		rec := history.TaskRecord{
			Rule:     tr.Rule,
			Binding:  tr.Binding,
			Status:   tr.Status.String(),
			Attempts: tr.Attempts,
			LogPath:  tr.LogPath,
		}
		if tr.Err != nil {
			rec.Error = tr.Err.Error()
		}
		if err := store.RecordTask(runID, rec); err != nil {
			a.logger.Warn("Failed to record task history.", "task", tr.ID, "error", err)
		}
	}
	status := "succeeded"
	if runErr != nil {
		status = "failed"
	}
	if err := store.FinishRun(runID, status); err != nil {
		a.logger.Warn("Failed to record run history.", "run", runID, "error", err)
	}
}
