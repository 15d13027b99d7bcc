package runner

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/vk/pipegrid/internal/dag"
)

var evalFunctions = map[string]function.Function{
	"join":   stdlib.JoinFunc,
	"format": stdlib.FormatFunc,
	"upper":  stdlib.UpperFunc,
	"lower":  stdlib.LowerFunc,
}

func bindingObject(n *dag.Node) cty.Value {
	if len(n.Binding) == 0 {
		return cty.EmptyObjectVal
	}
	vals := make(map[string]cty.Value, len(n.Binding))
	for k, v := range n.Binding {
		vals[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(vals)
}

func stringList(paths []string) cty.Value {
	if len(paths) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(paths))
	for i, p := range paths {
		vals[i] = cty.StringVal(p)
	}
	return cty.ListVal(vals)
}

func first(paths []string) cty.Value {
	if len(paths) == 0 {
		return cty.StringVal("")
	}
	return cty.StringVal(paths[0])
}

// evalParams evaluates the rule's parameter expressions against the task's
// wildcard binding. Called once per task; the result is memoized on the node.
func evalParams(n *dag.Node) (map[string]cty.Value, error) {
	ectx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"wildcards": bindingObject(n)},
		Functions: evalFunctions,
	}
	params := make(map[string]cty.Value, len(n.Template.Params))
	for name, expr := range n.Template.Params {
		v, diags := expr.Value(ectx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("task %s: param %q: %s", n.ID, name, diags.Error())
		}
		params[name] = v
	}
	return params, nil
}

// evalCommand renders the task's command with wildcards, params and the
// concrete input and output paths in scope. Outputs are the staging paths
// the attempt writes to, not the final locations.
func evalCommand(n *dag.Node, params map[string]cty.Value, inputs, outputs []string) (string, error) {
	paramsVal := cty.EmptyObjectVal
	if len(params) > 0 {
		paramsVal = cty.ObjectVal(params)
	}
	ectx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"wildcards": bindingObject(n),
			"params":    paramsVal,
			"inputs":    stringList(inputs),
			"outputs":   stringList(outputs),
			"input":     first(inputs),
			"output":    first(outputs),
		},
		Functions: evalFunctions,
	}
	v, diags := n.Template.Command.Value(ectx)
	if diags.HasErrors() {
		return "", fmt.Errorf("task %s: command: %s", n.ID, diags.Error())
	}
	v, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("task %s: command is not a string: %w", n.ID, err)
	}
	if v.IsNull() {
		return "", fmt.Errorf("task %s: command evaluated to null", n.ID)
	}
	return v.AsString(), nil
}
