package rule

import "fmt"

// Settings carries the pipeline-level values declared in the rule files'
// settings block. It is immutable after load and threaded explicitly through
// the builder and runner rather than living in a global.
type Settings struct {
	// Workdir is the base directory all relative artifact paths resolve
	// against.
	Workdir string

	// LogDir is where tasks without an explicit log pattern write their logs.
	LogDir string

	// DefaultRetries bounds retry attempts for rules that do not declare
	// their own.
	DefaultRetries int

	// TransientExitCodes is the default set of exit codes treated as
	// transient failures. 75 is EX_TEMPFAIL.
	TransientExitCodes []int
}

// DefaultSettings returns the settings used when no settings block is declared.
func DefaultSettings() *Settings {
	return &Settings{
		Workdir:            ".",
		LogDir:             "logs",
		DefaultRetries:     0,
		TransientExitCodes: []int{75},
	}
}

// Set is the complete loaded declaration surface: settings, the template
// registry and the named pipelines.
type Set struct {
	Settings  *Settings
	Registry  *Registry
	Pipelines map[string][]string
}

// ResolveTargets maps a goal request to concrete artifact paths: a pipeline
// name expands to its declared targets, anything else is taken as a literal
// path.
func (s *Set) ResolveTargets(goals []string) ([]string, error) {
	var out []string
	for _, g := range goals {
		if targets, ok := s.Pipelines[g]; ok {
			if len(targets) == 0 {
				return nil, fmt.Errorf("pipeline %q declares no targets", g)
			}
			out = append(out, targets...)
			continue
		}
		out = append(out, g)
	}
	return out, nil
}
