package dag

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/pipegrid/internal/ctxlog"

	"github.com/vk/pipegrid/internal/rule"
)

// Evaluator decides, per task, whether its action must run or the task can
// be skipped as fresh. Staleness is transitive: a task downstream of any
// task that must run (or that already ran this invocation) must run too.
type Evaluator struct {
	settings *rule.Settings

	// stat is swappable so tests can present synthetic mtimes.
	stat func(string) (os.FileInfo, error)
}

// NewEvaluator returns an evaluator resolving paths against the pipeline's
// working directory.
func NewEvaluator(settings *rule.Settings) *Evaluator {
	return &Evaluator{settings: settings, stat: os.Stat}
}

func (e *Evaluator) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.settings.Workdir, path)
}

// Evaluate walks the graph in dependency order and records each pending
// task's decision. It is called once before execution and again after every
// checkpoint splice; tasks past the pending state keep their recorded
// decision, and tasks that ran this invocation force their descendants.
func (e *Evaluator) Evaluate(ctx context.Context, g *Graph) {
	logger := ctxlog.FromContext(ctx)

	for _, n := range g.TopoOrder() {
		if n.Kind != TaskNode || n.Status() != StatusPending {
			continue
		}

		forced := false
		for _, dep := range g.DepsOf(n) {
			if dep.Kind != TaskNode {
				continue
			}
			if dep.MustRun() || dep.Status() == StatusSucceeded {
				forced = true
				break
			}
		}

		stale := forced || e.locallyStale(n)
		n.SetMustRun(stale)
		if !stale {
			logger.Debug("Task is up to date.", "task", n.ID)
		}
	}
}

// locallyStale applies the node's own timestamp rules: an update-flagged
// output forces a run, a missing output forces a run, and otherwise the
// task is fresh only if every non-ancient input is strictly older than
// every output.
func (e *Evaluator) locallyStale(n *Node) bool {
	for i := range n.Outputs {
		if n.Template.Outputs[i].Update {
			return true
		}
	}

	var oldestOutput time.Time
	for i, out := range n.Outputs {
		fi, err := e.stat(e.abs(out))
		if err != nil {
			return true
		}
		if i == 0 || fi.ModTime().Before(oldestOutput) {
			oldestOutput = fi.ModTime()
		}
	}

	var newestInput time.Time
	for _, in := range n.Inputs {
		if n.Ancient[in] {
			// Ancient inputs still gate execution through graph edges,
			// but their recency never invalidates downstream outputs.
			continue
		}
		fi, err := e.stat(e.abs(in))
		if err != nil {
			return true
		}
		if fi.ModTime().After(newestInput) {
			newestInput = fi.ModTime()
		}
	}

	return !newestInput.Before(oldestOutput)
}
