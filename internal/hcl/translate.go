// This file translates the decoded HCL schema structs into the rule model:
// compiling placeholder patterns, extracting deferred parameter expressions,
// and carrying the presence information inheritance needs.

package hcl

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/pipegrid/internal/rule"
	"github.com/vk/pipegrid/internal/schema"
	"github.com/vk/pipegrid/internal/wildcard"
)

// translateRule converts a base (non-derived) rule block into a template.
func (l *Loader) translateRule(s *schema.Rule) (*rule.Template, error) {
	o, err := l.translateOverride(s)
	if err != nil {
		return nil, err
	}

	t := &rule.Template{
		ID:                 s.Name,
		Inputs:             o.Inputs,
		Outputs:            o.Outputs,
		Params:             o.Params,
		Command:            o.Command,
		Log:                o.Log,
		Retries:            -1,
		TransientExitCodes: o.TransientCode,
	}
	if o.Local != nil {
		t.Local = *o.Local
	}
	if o.Handler != nil {
		t.Handler = *o.Handler
	}
	if o.Checkpoint != nil {
		t.Checkpoint = *o.Checkpoint
	}
	if o.Retries != nil {
		t.Retries = *o.Retries
	}
	return t, nil
}

// translateOverride converts a rule block into override form, recording which
// fields the block actually declares.
func (l *Loader) translateOverride(s *schema.Rule) (*rule.Override, error) {
	o := &rule.Override{
		Local:         s.Local,
		Handler:       s.Handler,
		Checkpoint:    s.Checkpoint,
		Retries:       s.Retries,
		TransientCode: s.TransientExitCodes,
	}

	for _, in := range s.Inputs {
		ri, err := translateInput(s.Name, in)
		if err != nil {
			return nil, err
		}
		o.Inputs = append(o.Inputs, ri)
	}

	for _, out := range s.Outputs {
		pat, err := wildcard.Compile(out.Path)
		if err != nil {
			return nil, fmt.Errorf("rule %q: output: %w", s.Name, err)
		}
		o.Outputs = append(o.Outputs, &rule.Output{
			Pattern:   pat,
			Directory: out.Directory,
			Update:    out.Update,
		})
	}

	if s.Params != nil {
		params, err := extractBodyAttributes(s.Params.Body)
		if err != nil {
			return nil, fmt.Errorf("rule %q: params: %w", s.Name, err)
		}
		o.Params = params
	}

	if s.Command != nil {
		o.Command = s.Command
	}

	if s.Log != nil {
		o.LogSet = true
		if *s.Log != "" {
			pat, err := wildcard.Compile(*s.Log)
			if err != nil {
				return nil, fmt.Errorf("rule %q: log: %w", s.Name, err)
			}
			o.Log = pat
		}
	}

	return o, nil
}

func translateInput(ruleName string, in *schema.InputBlock) (*rule.Input, error) {
	pat, err := wildcard.Compile(in.Path)
	if err != nil {
		return nil, fmt.Errorf("rule %q: input: %w", ruleName, err)
	}

	ri := &rule.Input{Pattern: pat, Ancient: in.Ancient}
	if in.ForEach != "" {
		fe, err := wildcard.Compile(in.ForEach)
		if err != nil {
			return nil, fmt.Errorf("rule %q: for_each: %w", ruleName, err)
		}
		ri.ForEach = fe
	}
	return ri, nil
}

// extractBodyAttributes keeps a params body's attributes as unevaluated
// expressions; they are evaluated once per task instantiation.
func extractBodyAttributes(body hcl.Body) (map[string]hcl.Expression, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}

	exprMap := make(map[string]hcl.Expression, len(attrs))
	for name, attr := range attrs {
		exprMap[name] = attr.Expr
	}
	return exprMap, nil
}
