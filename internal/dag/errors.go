package dag

import "errors"

var (
	// ErrMissingArtifact means a requested path has no producing rule and
	// does not exist on disk.
	ErrMissingArtifact = errors.New("artifact missing")

	// ErrCycle means rule dependencies form a circular chain.
	ErrCycle = errors.New("dependency cycle")

	// ErrOutputConflict means two distinct task instantiations declare the
	// same concrete output path.
	ErrOutputConflict = errors.New("conflicting output")
)
