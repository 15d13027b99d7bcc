package dag

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/pipegrid/internal/rule"
	"github.com/vk/pipegrid/internal/wildcard"
)

func newFakeEvaluator(set *rule.Set, files map[string]time.Time) *Evaluator {
	e := NewEvaluator(set.Settings)
	e.stat = fakeFS(files)
	return e
}

func TestEvaluate_MissingOutputIsStale(t *testing.T) {
	set := newSet(t, ".",
		tpl(t, "convert", []string{"raw/{table}.csv"}, "tables/{table}.tsv"),
	)
	b := NewBuilder(set)
	files := map[string]time.Time{"raw/sales.csv": time.Unix(100, 0)}
	b.stat = fakeFS(files)

	g, err := b.Expand(testCtx(), []string{"tables/sales.tsv"})
	require.NoError(t, err)

	newFakeEvaluator(set, files).Evaluate(testCtx(), g)
	assert.True(t, g.Node("task.convert[table=sales]").MustRun())
}

func TestEvaluate_FreshWhenOutputsNewer(t *testing.T) {
	set := newSet(t, ".",
		tpl(t, "convert", []string{"raw/{table}.csv"}, "tables/{table}.tsv"),
	)
	b := NewBuilder(set)
	files := map[string]time.Time{
		"raw/sales.csv":    time.Unix(100, 0),
		"tables/sales.tsv": time.Unix(200, 0),
	}
	b.stat = fakeFS(files)

	g, err := b.Expand(testCtx(), []string{"tables/sales.tsv"})
	require.NoError(t, err)

	newFakeEvaluator(set, files).Evaluate(testCtx(), g)
	assert.False(t, g.Node("task.convert[table=sales]").MustRun())
}

func TestEvaluate_InputNotOlderIsStale(t *testing.T) {
	set := newSet(t, ".",
		tpl(t, "convert", []string{"raw/{table}.csv"}, "tables/{table}.tsv"),
	)
	for _, inputTime := range []time.Time{time.Unix(200, 0), time.Unix(300, 0)} {
		b := NewBuilder(set)
		files := map[string]time.Time{
			"raw/sales.csv":    inputTime,
			"tables/sales.tsv": time.Unix(200, 0),
		}
		b.stat = fakeFS(files)

		g, err := b.Expand(testCtx(), []string{"tables/sales.tsv"})
		require.NoError(t, err)

		newFakeEvaluator(set, files).Evaluate(testCtx(), g)
		// Equal timestamps are not "strictly older", so both cases rebuild.
		assert.True(t, g.Node("task.convert[table=sales]").MustRun())
	}
}

func TestEvaluate_AncientInputNeverInvalidates(t *testing.T) {
	convert := tpl(t, "convert", nil, "tables/{table}.tsv")
	convert.Inputs = []*rule.Input{
		{Pattern: wildcard.MustCompile("raw/{table}.csv")},
		{Pattern: wildcard.MustCompile("schema.json"), Ancient: true},
	}
	set := newSet(t, ".", convert)
	b := NewBuilder(set)
	files := map[string]time.Time{
		"raw/sales.csv":    time.Unix(100, 0),
		"schema.json":      time.Unix(900, 0), // newer than the output
		"tables/sales.tsv": time.Unix(200, 0),
	}
	b.stat = fakeFS(files)

	g, err := b.Expand(testCtx(), []string{"tables/sales.tsv"})
	require.NoError(t, err)

	newFakeEvaluator(set, files).Evaluate(testCtx(), g)
	assert.False(t, g.Node("task.convert[table=sales]").MustRun())
}

func TestEvaluate_UpdateOutputAlwaysStale(t *testing.T) {
	deploy := tpl(t, "deploy", []string{"tables/{table}.tsv"}, "deployed/{table}.stamp")
	deploy.Outputs[0].Update = true
	set := newSet(t, ".",
		tpl(t, "convert", []string{"raw/{table}.csv"}, "tables/{table}.tsv"),
		deploy,
	)
	b := NewBuilder(set)
	files := map[string]time.Time{
		"raw/sales.csv":        time.Unix(100, 0),
		"tables/sales.tsv":     time.Unix(200, 0),
		"deployed/sales.stamp": time.Unix(300, 0),
	}
	b.stat = fakeFS(files)

	g, err := b.Expand(testCtx(), []string{"deployed/sales.stamp"})
	require.NoError(t, err)

	newFakeEvaluator(set, files).Evaluate(testCtx(), g)
	assert.False(t, g.Node("task.convert[table=sales]").MustRun())
	assert.True(t, g.Node("task.deploy[table=sales]").MustRun())
}

func TestEvaluate_StalenessIsTransitive(t *testing.T) {
	set := newSet(t, ".",
		tpl(t, "convert", []string{"raw/{table}.csv"}, "tables/{table}.tsv"),
		tpl(t, "report", []string{"tables/{table}.tsv"}, "reports/{table}.txt"),
	)
	b := NewBuilder(set)
	files := map[string]time.Time{
		"raw/sales.csv": time.Unix(500, 0), // newer than its output
		"tables/sales.tsv":  time.Unix(200, 0),
		"reports/sales.txt": time.Unix(300, 0), // newer than its input
	}
	b.stat = fakeFS(files)

	g, err := b.Expand(testCtx(), []string{"reports/sales.txt"})
	require.NoError(t, err)

	newFakeEvaluator(set, files).Evaluate(testCtx(), g)
	// The report is locally fresh but must rebuild because its producer does.
	assert.True(t, g.Node("task.convert[table=sales]").MustRun())
	assert.True(t, g.Node("task.report[table=sales]").MustRun())
}

func TestEvaluate_SucceededAncestorForcesDescendant(t *testing.T) {
	set := newSet(t, ".",
		tpl(t, "convert", []string{"raw/{table}.csv"}, "tables/{table}.tsv"),
		tpl(t, "report", []string{"tables/{table}.tsv"}, "reports/{table}.txt"),
	)
	b := NewBuilder(set)
	files := map[string]time.Time{
		"raw/sales.csv":     time.Unix(100, 0),
		"tables/sales.tsv":  time.Unix(200, 0),
		"reports/sales.txt": time.Unix(300, 0),
	}
	b.stat = fakeFS(files)

	g, err := b.Expand(testCtx(), []string{"reports/sales.txt"})
	require.NoError(t, err)

	// The producer ran earlier this invocation; even with timestamps that
	// look fresh, the pending consumer must rebuild.
	g.Node("task.convert[table=sales]").SetStatus(StatusSucceeded)
	newFakeEvaluator(set, files).Evaluate(testCtx(), g)
	assert.True(t, g.Node("task.report[table=sales]").MustRun())
}

func TestExpander_SplicesMemberProducers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "raw"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw/sales.csv"), nil, 0o644))

	split := tpl(t, "split", []string{"raw/{table}.csv"}, "parts/{table}")
	split.Checkpoint = true
	split.Outputs[0].Directory = true
	proc := tpl(t, "process", []string{"parts/{table}/{part}.tsv"}, "processed/{table}/{part}.tsv")
	merge := tpl(t, "merge", nil, "merged/{table}.tsv")
	merge.Inputs = []*rule.Input{{
		Pattern: wildcard.MustCompile("processed/{table}/{part}.tsv"),
		ForEach: wildcard.MustCompile("parts/{table}"),
	}}
	set := newSet(t, dir, split, proc, merge)

	b := NewBuilder(set)
	g, err := b.Expand(testCtx(), []string{"merged/sales.tsv"})
	require.NoError(t, err)

	cp := g.Node("task.split[table=sales]")
	m := g.Node("task.merge[table=sales]")
	require.NotNil(t, cp)
	require.Len(t, m.Deferred, 1)

	// Simulate the checkpoint run producing two parts.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "parts/sales"), 0o755))
	for _, name := range []string{"p0.tsv", "p1.tsv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "parts/sales", name), nil, 0o644))
	}
	cp.SetStatus(StatusSucceeded)

	x := NewExpander(b, NewEvaluator(set.Settings))
	added, err := x.Expand(testCtx(), g, cp)
	require.NoError(t, err)

	require.Len(t, added, 2)
	p0 := g.Node("task.process[part=p0,table=sales]")
	p1 := g.Node("task.process[part=p1,table=sales]")
	require.NotNil(t, p0)
	require.NotNil(t, p1)

	assert.Empty(t, m.Deferred)
	assert.Equal(t, []string{"processed/sales/p0.tsv", "processed/sales/p1.tsv"}, m.Inputs)
	assert.Contains(t, m.Deps, p0.ID)
	assert.Contains(t, m.Deps, p1.ID)
	// Barrier edges gate the spliced tasks behind the checkpoint.
	assert.Contains(t, p0.Deps, cp.ID)
	assert.Contains(t, p1.Deps, cp.ID)
	// The spliced producers must run; their outputs do not exist yet.
	assert.True(t, p0.MustRun())
	assert.True(t, m.MustRun())
}

func TestExpander_RepeatedExpansionIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "raw"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw/sales.csv"), nil, 0o644))

	split := tpl(t, "split", []string{"raw/{table}.csv"}, "parts/{table}")
	split.Checkpoint = true
	split.Outputs[0].Directory = true
	merge := tpl(t, "merge", nil, "merged/{table}.tsv")
	merge.Inputs = []*rule.Input{{
		Pattern: wildcard.MustCompile("parts/{table}/{part}.tsv"),
		ForEach: wildcard.MustCompile("parts/{table}"),
	}}
	set := newSet(t, dir, split, merge)

	b := NewBuilder(set)
	g, err := b.Expand(testCtx(), []string{"merged/sales.tsv"})
	require.NoError(t, err)

	cp := g.Node("task.split[table=sales]")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "parts/sales"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parts/sales/p0.tsv"), nil, 0o644))
	cp.SetStatus(StatusSucceeded)

	x := NewExpander(b, NewEvaluator(set.Settings))
	_, err = x.Expand(testCtx(), g, cp)
	require.NoError(t, err)

	sizeAfterFirst := g.Len()
	m := g.Node("task.merge[table=sales]")
	require.Equal(t, []string{"parts/sales/p0.tsv"}, m.Inputs)

	// A second expansion finds no deferred inputs left and changes nothing.
	added, err := x.Expand(testCtx(), g, cp)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, sizeAfterFirst, g.Len())
	assert.Equal(t, []string{"parts/sales/p0.tsv"}, m.Inputs)
}
