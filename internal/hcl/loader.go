// Package hcl loads the rule declaration surface from .hcl files and
// translates it into the rule model. Parsing is separated from translation
// so the schema structs stay a faithful mirror of the file format.
package hcl

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/fsutil"
	"github.com/vk/pipegrid/internal/rule"
	"github.com/vk/pipegrid/internal/schema"
)

// Loader parses rule files into a rule.Set.
type Loader struct{}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads every .hcl file under the given paths (files or directories,
// walked in lexical order) and assembles the complete rule set: settings,
// registered templates with inheritance resolved, and pipeline aliases.
func (l *Loader) Load(ctx context.Context, paths ...string) (*rule.Set, error) {
	logger := ctxlog.FromContext(ctx)

	var filePaths []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("rules path %q: %w", p, err)
		}
		if info.IsDir() {
			found, err := fsutil.FindFilesByExtension(p, ".hcl")
			if err != nil {
				return nil, fmt.Errorf("walking rules path %q: %w", p, err)
			}
			filePaths = append(filePaths, found...)
		} else {
			filePaths = append(filePaths, p)
		}
	}
	if len(filePaths) == 0 {
		return nil, fmt.Errorf("no .hcl rule files found under %v", paths)
	}
	logger.Debug("Found rule files to load.", "files", filePaths)

	parser := hclparse.NewParser()
	var files []*schema.File
	for _, filePath := range filePaths {
		hclFile, diags := parser.ParseHCLFile(filePath)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse %s: %w", filePath, diags)
		}

		var f schema.File
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &f); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode %s: %w", filePath, diags)
		}
		files = append(files, &f)
		logger.Debug("Decoded rule file.", "file", filePath)
	}

	set, err := l.assemble(ctx, files)
	if err != nil {
		return nil, err
	}

	logger.Info("Rule set loaded.",
		"rules", set.Registry.Len(),
		"pipelines", len(set.Pipelines),
	)
	return set, nil
}

// assemble merges the decoded files into one rule.Set, registering base
// templates first and then resolving derived rules until no progress remains.
func (l *Loader) assemble(ctx context.Context, files []*schema.File) (*rule.Set, error) {
	set := &rule.Set{
		Settings:  rule.DefaultSettings(),
		Registry:  rule.NewRegistry(),
		Pipelines: make(map[string][]string),
	}

	var sawSettings bool
	var derived []*schema.Rule

	for _, f := range files {
		if f.Settings != nil {
			if sawSettings {
				return nil, fmt.Errorf("multiple settings blocks declared")
			}
			sawSettings = true
			applySettings(set.Settings, f.Settings)
		}

		for _, p := range f.Pipelines {
			if _, exists := set.Pipelines[p.Name]; exists {
				return nil, fmt.Errorf("duplicate pipeline %q", p.Name)
			}
			set.Pipelines[p.Name] = p.Targets
		}

		for _, r := range f.Rules {
			if r.Base != "" {
				derived = append(derived, r)
				continue
			}
			t, err := l.translateRule(r)
			if err != nil {
				return nil, err
			}
			if err := rule.Validate(t); err != nil {
				return nil, err
			}
			if err := set.Registry.Register(t); err != nil {
				return nil, err
			}
		}
	}

	// Derived rules may chain off other derived rules, so resolve in rounds
	// until a full pass makes no progress.
	for len(derived) > 0 {
		var remaining []*schema.Rule
		progressed := false

		for _, r := range derived {
			if _, err := set.Registry.Lookup(r.Base); err != nil {
				remaining = append(remaining, r)
				continue
			}
			o, err := l.translateOverride(r)
			if err != nil {
				return nil, err
			}
			if err := set.Registry.RegisterDerived(r.Name, r.Base, o); err != nil {
				return nil, err
			}
			t, _ := set.Registry.Lookup(r.Name)
			if err := rule.Validate(t); err != nil {
				return nil, err
			}
			progressed = true
		}

		if !progressed {
			return nil, fmt.Errorf("rule %q: %w: %q", remaining[0].Name, rule.ErrUnknownRule, remaining[0].Base)
		}
		derived = remaining
	}

	return set, nil
}

func applySettings(dst *rule.Settings, s *schema.Settings) {
	if s.Workdir != nil {
		dst.Workdir = *s.Workdir
	}
	if s.LogDir != nil {
		dst.LogDir = *s.LogDir
	}
	if s.DefaultRetries != nil {
		dst.DefaultRetries = *s.DefaultRetries
	}
	if s.TransientExitCodes != nil {
		dst.TransientExitCodes = s.TransientExitCodes
	}
}
