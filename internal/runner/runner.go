// Package runner executes individual task actions: external commands through
// the shell and in-process handlers for local rules. It owns log capture,
// atomic output placement and the transient-failure retry policy.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/dag"
	"github.com/vk/pipegrid/internal/fsutil"
	"github.com/vk/pipegrid/internal/rule"
)

// stagingSuffix is appended to an output path while an attempt writes it;
// the finished file is renamed into place only on success, so a killed or
// failed task never leaves a half-written output behind.
const stagingSuffix = ".partial"

// Runner executes one task action per call. Safe for concurrent use.
type Runner struct {
	settings *rule.Settings
	handlers *HandlerRegistry

	// timeout bounds each attempt; zero means unbounded.
	timeout time.Duration
}

// New returns a runner. A nil handler registry gets the builtins.
func New(settings *rule.Settings, handlers *HandlerRegistry, timeout time.Duration) *Runner {
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &Runner{settings: settings, handlers: handlers, timeout: timeout}
}

func (r *Runner) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.settings.Workdir, path)
}

func (r *Runner) retriesFor(t *rule.Template) int {
	if t.Retries >= 0 {
		return t.Retries
	}
	return r.settings.DefaultRetries
}

func (r *Runner) transientCodes(t *rule.Template) []int {
	if t.TransientExitCodes != nil {
		return t.TransientExitCodes
	}
	return r.settings.TransientExitCodes
}

// Execute runs the task's action, retrying transient failures up to the
// task's retry budget. The returned error is the last attempt's failure.
func (r *Runner) Execute(ctx context.Context, n *dag.Node) error {
	logger := ctxlog.FromContext(ctx).With("task", n.ID)
	retries := r.retriesFor(n.Template)

	var err error
	for attempt := 1; ; attempt++ {
		n.Attempts = attempt
		err = r.runOnce(ctx, n, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) || attempt > retries {
			return err
		}
		logger.Warn("Transient task failure, retrying.",
			"attempt", attempt, "retries_left", retries-attempt+1, "error", err)
	}
}

func (r *Runner) runOnce(ctx context.Context, n *dag.Node, attempt int) error {
	attemptCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	staging := make([]string, len(n.Outputs))
	for i, out := range n.Outputs {
		staging[i] = out + stagingSuffix
		if err := os.MkdirAll(filepath.Dir(r.abs(out)), 0o755); err != nil {
			return r.failure(n, -1, err)
		}
		// A leftover from a previous crashed attempt.
		if err := os.RemoveAll(r.abs(staging[i])); err != nil {
			return r.failure(n, -1, err)
		}
	}

	logFile, err := r.openLog(n, attempt)
	if err != nil {
		return r.failure(n, -1, err)
	}
	defer logFile.Close()

	params, err := n.EvalParams(func() (map[string]cty.Value, error) { return evalParams(n) })
	if err != nil {
		return r.failure(n, -1, err)
	}

	if n.Template.Local {
		err = r.runHandler(attemptCtx, n, params, staging, logFile)
	} else {
		err = r.runCommand(attemptCtx, n, params, staging, logFile)
	}
	if err != nil {
		r.discardStaging(staging)
		return r.classify(attemptCtx, n, err)
	}

	if err := r.commitOutputs(n, staging); err != nil {
		r.discardStaging(staging)
		return err
	}
	return nil
}

func (r *Runner) runHandler(ctx context.Context, n *dag.Node, params map[string]cty.Value, staging []string, log *os.File) error {
	h, err := r.handlers.Lookup(n.Template.Handler)
	if err != nil {
		return err
	}
	inv := &Invocation{
		RuleID:  n.Template.ID,
		Binding: n.Binding,
		Params:  params,
		Log:     log,
	}
	for _, in := range n.Inputs {
		inv.Inputs = append(inv.Inputs, r.abs(in))
	}
	for _, out := range staging {
		inv.Outputs = append(inv.Outputs, r.abs(out))
	}
	return h(ctx, inv)
}

func (r *Runner) runCommand(ctx context.Context, n *dag.Node, params map[string]cty.Value, staging []string, log *os.File) error {
	cmdStr, err := evalCommand(n, params, n.Inputs, staging)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
	cmd.Dir = r.settings.Workdir
	cmd.Stdout = log
	cmd.Stderr = log
	return cmd.Run()
}

// classify wraps an attempt failure, promoting timeouts and configured exit
// codes to transient.
func (r *Runner) classify(ctx context.Context, n *dag.Node, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TransientError{Err: r.failure(n, -1, fmt.Errorf("timed out after %s", r.timeout))}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		wrapped := r.failure(n, code, err)
		for _, transient := range r.transientCodes(n.Template) {
			if code == transient {
				return &TransientError{Err: wrapped}
			}
		}
		return wrapped
	}
	return r.failure(n, -1, err)
}

// commitOutputs moves every staged output into its final place, verifying
// the action actually produced it.
func (r *Runner) commitOutputs(n *dag.Node, staging []string) error {
	for i, out := range n.Outputs {
		src, dst := r.abs(staging[i]), r.abs(out)
		if !fsutil.Exists(src) {
			return r.failure(n, -1, fmt.Errorf("declared output %q was not produced", out))
		}
		if err := os.RemoveAll(dst); err != nil {
			return r.failure(n, -1, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return r.failure(n, -1, err)
		}
	}
	return nil
}

func (r *Runner) discardStaging(staging []string) {
	for _, s := range staging {
		os.RemoveAll(r.abs(s))
	}
}

func (r *Runner) openLog(n *dag.Node, attempt int) (*os.File, error) {
	path := r.abs(n.LogPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if attempt > 1 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	if attempt > 1 {
		fmt.Fprintf(f, "\n--- attempt %d ---\n", attempt)
	}
	return f, nil
}

func (r *Runner) failure(n *dag.Node, exitCode int, err error) error {
	return &ExecutionError{Task: n.ID, ExitCode: exitCode, LogPath: n.LogPath, Err: err}
}
