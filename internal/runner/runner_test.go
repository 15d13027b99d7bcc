package runner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/dag"
	"github.com/vk/pipegrid/internal/rule"
	"github.com/vk/pipegrid/internal/wildcard"
)

func testCtx() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

func parseTemplate(t *testing.T, src string) hcl.Expression {
	t.Helper()
	e, diags := hclsyntax.ParseTemplate([]byte(src), "test.hcl", hcl.InitialPos)
	require.False(t, diags.HasErrors(), diags.Error())
	return e
}

func testSettings(workdir string) *rule.Settings {
	s := rule.DefaultSettings()
	s.Workdir = workdir
	return s
}

// node builds a task node directly, bypassing graph expansion.
func node(tpl *rule.Template, bind wildcard.Binding, inputs, outputs []string) *dag.Node {
	return &dag.Node{
		ID:       dag.TaskID(tpl.ID, bind),
		Kind:     dag.TaskNode,
		Template: tpl,
		Binding:  bind,
		Inputs:   inputs,
		Outputs:  outputs,
		LogPath:  filepath.Join("logs", tpl.ID+".log"),
	}
}

func TestExecute_CommandProducesOutputAtomically(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 0)

	tpl := &rule.Template{
		ID:      "greet",
		Command: parseTemplate(t, "echo hi > ${output}"),
		Retries: -1,
	}
	n := node(tpl, nil, nil, []string{"out/greeting.txt"})

	require.NoError(t, r.Execute(testCtx(), n))

	data, err := os.ReadFile(filepath.Join(dir, "out/greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
	assert.NoFileExists(t, filepath.Join(dir, "out/greeting.txt"+stagingSuffix))
	assert.Equal(t, 1, n.Attempts)
}

func TestExecute_WildcardsAndParamsInScope(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 0)

	tpl := &rule.Template{
		ID: "greet",
		Params: map[string]hcl.Expression{
			"greeting": parseTemplate(t, "hello-${wildcards.name}"),
		},
		Command: parseTemplate(t, "echo ${params.greeting} > ${output}"),
		Retries: -1,
	}
	n := node(tpl, wildcard.Binding{"name": "world"}, nil, []string{"out/world.txt"})

	require.NoError(t, r.Execute(testCtx(), n))

	data, err := os.ReadFile(filepath.Join(dir, "out/world.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello-world\n", string(data))
}

func TestExecute_InputsJoinedIntoCommand(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name[:1]), 0o644))
	}
	r := New(testSettings(dir), nil, 0)

	tpl := &rule.Template{
		ID:      "concat",
		Command: parseTemplate(t, "cat ${join(\" \", inputs)} > ${output}"),
		Retries: -1,
	}
	n := node(tpl, nil, []string{"a.txt", "b.txt"}, []string{"ab.txt"})

	require.NoError(t, r.Execute(testCtx(), n))

	data, err := os.ReadFile(filepath.Join(dir, "ab.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ab", string(data))
}

func TestExecute_FailureLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 0)

	tpl := &rule.Template{
		ID:      "flaky",
		Command: parseTemplate(t, "echo partial > ${output}; exit 1"),
		Retries: -1,
	}
	n := node(tpl, nil, nil, []string{"out.txt"})

	err := r.Execute(testCtx(), n)
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.ExitCode)
	assert.False(t, IsTransient(err))
	assert.NoFileExists(t, filepath.Join(dir, "out.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "out.txt"+stagingSuffix))
}

func TestExecute_MissingDeclaredOutputFails(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 0)

	tpl := &rule.Template{
		ID:      "lazy",
		Command: parseTemplate(t, "true"),
		Retries: -1,
	}
	n := node(tpl, nil, nil, []string{"never.txt"})

	err := r.Execute(testCtx(), n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "was not produced")
}

func TestExecute_TransientExitCodeRetries(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 0)

	// Fails with the transient code on the first attempt, then succeeds.
	tpl := &rule.Template{
		ID: "flappy",
		Command: parseTemplate(t,
			"if [ -f marker ]; then echo ok > ${output}; else touch marker; exit 75; fi"),
		Retries: 2,
	}
	n := node(tpl, nil, nil, []string{"out.txt"})

	require.NoError(t, r.Execute(testCtx(), n))
	assert.Equal(t, 2, n.Attempts)
	assert.FileExists(t, filepath.Join(dir, "out.txt"))
}

func TestExecute_RetriesExhausted(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 0)

	tpl := &rule.Template{
		ID:      "doomed",
		Command: parseTemplate(t, "exit 75"),
		Retries: 1,
	}
	n := node(tpl, nil, nil, []string{"out.txt"})

	err := r.Execute(testCtx(), n)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2, n.Attempts)
}

func TestExecute_NonTransientCodeDoesNotRetry(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 0)

	tpl := &rule.Template{
		ID:      "broken",
		Command: parseTemplate(t, "exit 2"),
		Retries: 3,
	}
	n := node(tpl, nil, nil, []string{"out.txt"})

	err := r.Execute(testCtx(), n)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, n.Attempts)
}

func TestExecute_TimeoutIsTransient(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 100*time.Millisecond)

	tpl := &rule.Template{
		ID:      "slow",
		Command: parseTemplate(t, "sleep 10"),
		Retries: 0,
	}
	n := node(tpl, nil, nil, []string{"out.txt"})

	err := r.Execute(testCtx(), n)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecute_CommandOutputCapturedInLog(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 0)

	tpl := &rule.Template{
		ID:      "noisy",
		Command: parseTemplate(t, "echo to-stdout; echo to-stderr >&2; touch ${output}"),
		Retries: -1,
	}
	n := node(tpl, nil, nil, []string{"out.txt"})

	require.NoError(t, r.Execute(testCtx(), n))

	data, err := os.ReadFile(filepath.Join(dir, "logs/noisy.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to-stdout")
	assert.Contains(t, string(data), "to-stderr")
}

func TestExecute_LocalHandler(t *testing.T) {
	dir := t.TempDir()
	handlers := NewHandlerRegistry()
	require.NoError(t, handlers.Register("stamp", func(_ context.Context, inv *Invocation) error {
		content := inv.Params["content"].AsString()
		for _, out := range inv.Outputs {
			if err := os.WriteFile(out, []byte(content), 0o644); err != nil {
				return err
			}
		}
		return nil
	}))
	r := New(testSettings(dir), handlers, 0)

	tpl := &rule.Template{
		ID:      "mark",
		Local:   true,
		Handler: "stamp",
		Params: map[string]hcl.Expression{
			"content": parseTemplate(t, "done-${wildcards.stage}"),
		},
		Retries: -1,
	}
	n := node(tpl, wildcard.Binding{"stage": "load"}, nil, []string{"stamps/load.txt"})

	require.NoError(t, r.Execute(testCtx(), n))

	data, err := os.ReadFile(filepath.Join(dir, "stamps/load.txt"))
	require.NoError(t, err)
	assert.Equal(t, "done-load", string(data))
}

func TestExecute_BuiltinTouchHandler(t *testing.T) {
	dir := t.TempDir()
	r := New(testSettings(dir), nil, 0)

	tpl := &rule.Template{ID: "stamp", Local: true, Handler: "touch", Retries: -1}
	n := node(tpl, nil, nil, []string{"done.stamp"})

	require.NoError(t, r.Execute(testCtx(), n))
	assert.FileExists(t, filepath.Join(dir, "done.stamp"))
}

func TestHandlerRegistry_UnknownAndDuplicate(t *testing.T) {
	reg := NewHandlerRegistry()
	_, err := reg.Lookup("nope")
	require.Error(t, err)

	noop := func(context.Context, *Invocation) error { return nil }
	require.NoError(t, reg.Register("noop", noop))
	require.Error(t, reg.Register("noop", noop))
	require.Error(t, reg.Register("touch", noop))
}

func TestEvalParams_MemoizedPerTask(t *testing.T) {
	tpl := &rule.Template{
		ID: "p",
		Params: map[string]hcl.Expression{
			"v": parseTemplate(t, "x-${wildcards.k}"),
		},
		Retries: -1,
	}
	n := node(tpl, wildcard.Binding{"k": "1"}, nil, []string{"o"})

	calls := 0
	build := func() (map[string]cty.Value, error) {
		calls++
		return evalParams(n)
	}
	first, err := n.EvalParams(build)
	require.NoError(t, err)
	second, err := n.EvalParams(build)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "x-1", first["v"].AsString())
	assert.Equal(t, first, second)
}
