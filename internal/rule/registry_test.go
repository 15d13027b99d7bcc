package rule

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/pipegrid/internal/wildcard"
)

func tpl(id string, outputs ...string) *Template {
	t := &Template{ID: id, Retries: -1}
	for _, o := range outputs {
		t.Outputs = append(t.Outputs, &Output{Pattern: wildcard.MustCompile(o)})
	}
	return t
}

func TestRegistry_DuplicateRule(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tpl("convert", "tables/{table}.tsv")))

	err := r.Register(tpl("convert", "other/{x}.tsv"))
	require.ErrorIs(t, err, ErrDuplicateRule)
}

func TestRegistry_UnknownRule(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("missing")
	require.ErrorIs(t, err, ErrUnknownRule)
}

func TestRegistry_AllPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tpl("b", "b/{x}")))
	require.NoError(t, r.Register(tpl("a", "a/{x}")))

	all := r.All()
	require.Len(t, all, 2)
	require.Equal(t, "b", all[0].ID)
	require.Equal(t, "a", all[1].ID)
}

func TestRegistry_DeriveReplacesFields(t *testing.T) {
	r := NewRegistry()
	base := tpl("merge", "merged/{table}.tsv")
	base.Inputs = []*Input{{Pattern: wildcard.MustCompile("tables/{table}.tsv")}}
	base.Checkpoint = false
	require.NoError(t, r.Register(base))

	newOut := []*Output{{Pattern: wildcard.MustCompile("merged/latest/{table}.tsv"), Update: true}}
	yes := true
	require.NoError(t, r.RegisterDerived("merge_latest", "merge", &Override{
		Outputs:    newOut,
		Checkpoint: &yes,
	}))

	derived, err := r.Lookup("merge_latest")
	require.NoError(t, err)

	// Overridden fields are replaced wholesale.
	require.Len(t, derived.Outputs, 1)
	require.Equal(t, "merged/latest/{table}.tsv", derived.Outputs[0].Pattern.String())
	require.True(t, derived.Outputs[0].Update)
	require.True(t, derived.Checkpoint)

	// Untouched fields come from the base, and the base is unchanged.
	require.Len(t, derived.Inputs, 1)
	require.Equal(t, "tables/{table}.tsv", derived.Inputs[0].Pattern.String())
	require.Equal(t, "merged/{table}.tsv", base.Outputs[0].Pattern.String())
	require.False(t, base.Checkpoint)
}

func TestRegistry_DeriveUnknownBase(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterDerived("child", "missing", &Override{})
	require.ErrorIs(t, err, ErrUnknownRule)
}

func TestResolver_NoRule(t *testing.T) {
	res := NewResolver(NewRegistry())
	_, err := res.Resolve("raw/anything.xlsx")
	require.ErrorIs(t, err, ErrNoRule)
}

func TestResolver_SingleMatchExtractsBinding(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tpl("convert", "tables/{table}.tsv")))
	res := NewResolver(r)

	m, err := res.Resolve("tables/sales.tsv")
	require.NoError(t, err)
	require.Equal(t, "convert", m.Template.ID)
	require.Equal(t, wildcard.Binding{"table": "sales"}, m.Binding)
}

func TestResolver_AmbiguousAcrossTemplates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tpl("a", "out/{x}.tsv")))
	require.NoError(t, r.Register(tpl("b", "out/{y}.tsv")))
	res := NewResolver(r)

	_, err := res.Resolve("out/sales.tsv")
	require.ErrorIs(t, err, ErrAmbiguousRule)
}

func TestResolver_SameTemplateAgreeingOutputsNotAmbiguous(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tpl("dual", "out/{x}.tsv", "out/{x}.tsv")))
	res := NewResolver(r)

	m, err := res.Resolve("out/sales.tsv")
	require.NoError(t, err)
	require.Equal(t, "dual", m.Template.ID)
}

func TestResolver_Deterministic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(tpl("convert", "tables/{table}.tsv")))
	require.NoError(t, r.Register(tpl("merge", "merged/{table}.tsv")))
	res := NewResolver(r)

	for i := 0; i < 20; i++ {
		m, err := res.Resolve("merged/sales.tsv")
		require.NoError(t, err)
		require.Equal(t, "merge", m.Template.ID)
		require.Equal(t, "table=sales", m.Binding.Canonical())
	}
}
