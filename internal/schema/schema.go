// Package schema declares the HCL block structures of the rule declaration
// surface. These structs mirror the file format only; the hcl package
// translates them into the rule model.
package schema

import "github.com/hashicorp/hcl/v2"

// ParamsBlock keeps the body of a params block unevaluated. Its attributes
// become the rule's deferred parameter expressions.
type ParamsBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// InputBlock declares one input pattern of a rule.
type InputBlock struct {
	Path    string `hcl:"path"`
	Ancient bool   `hcl:"ancient,optional"`
	ForEach string `hcl:"for_each,optional"`
}

// OutputBlock declares one output pattern of a rule.
type OutputBlock struct {
	Path      string `hcl:"path"`
	Directory bool   `hcl:"directory,optional"`
	Update    bool   `hcl:"update,optional"`
}

// Rule represents a `rule` block. Optional scalar fields are pointers so the
// translation layer can distinguish "absent" from "zero" when applying
// inheritance overrides.
type Rule struct {
	Name string `hcl:"name,label"`
	Base string `hcl:"base,optional"`

	Inputs  []*InputBlock  `hcl:"input,block"`
	Outputs []*OutputBlock `hcl:"output,block"`
	Params  *ParamsBlock   `hcl:"params,block"`

	Command hcl.Expression `hcl:"command,optional"`
	Log     *string        `hcl:"log,optional"`

	Local      *bool   `hcl:"local,optional"`
	Handler    *string `hcl:"handler,optional"`
	Checkpoint *bool   `hcl:"checkpoint,optional"`

	Retries            *int  `hcl:"retries,optional"`
	TransientExitCodes []int `hcl:"transient_exit_codes,optional"`
}

// Pipeline represents a `pipeline` block: a symbolic goal alias for a set of
// target artifact paths.
type Pipeline struct {
	Name    string   `hcl:"name,label"`
	Targets []string `hcl:"targets"`
}

// Settings represents the optional `settings` block.
type Settings struct {
	Workdir            *string `hcl:"workdir,optional"`
	LogDir             *string `hcl:"log_dir,optional"`
	DefaultRetries     *int    `hcl:"default_retries,optional"`
	TransientExitCodes []int   `hcl:"transient_exit_codes,optional"`
}

// File is the top-level structure of one rule file.
type File struct {
	Settings  *Settings   `hcl:"settings,block"`
	Rules     []*Rule     `hcl:"rule,block"`
	Pipelines []*Pipeline `hcl:"pipeline,block"`
}
