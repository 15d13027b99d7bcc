package executor

import "github.com/vk/pipegrid/internal/dag"

// TaskResult is the terminal record of one task.
type TaskResult struct {
	ID       string
	Rule     string
	Binding  string
	Status   dag.Status
	Attempts int
	LogPath  string
	Err      error
}

// Result summarizes one run.
type Result struct {
	Tasks     []TaskResult
	Succeeded int
	Skipped   int
	Failed    int
	Blocked   int
}

func (e *Executor) collectResult() *Result {
	res := &Result{}
	for _, n := range e.graph.Tasks() {
		tr := TaskResult{
			ID:       n.ID,
			Rule:     n.Template.ID,
			Binding:  n.Binding.Canonical(),
			Status:   n.Status(),
			Attempts: n.Attempts,
			LogPath:  n.LogPath,
			Err:      n.Err,
		}
		res.Tasks = append(res.Tasks, tr)
		switch tr.Status {
		case dag.StatusSucceeded:
			res.Succeeded++
		case dag.StatusSkipped:
			res.Skipped++
		case dag.StatusFailed:
			res.Failed++
		default:
			res.Blocked++
		}
	}
	return res
}
