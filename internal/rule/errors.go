package rule

import "errors"

var (
	// ErrDuplicateRule reports a second registration under an existing identifier.
	ErrDuplicateRule = errors.New("duplicate rule")

	// ErrUnknownRule reports a lookup of an identifier that was never registered.
	ErrUnknownRule = errors.New("unknown rule")

	// ErrAmbiguousRule reports a target path matched by more than one
	// template's output patterns.
	ErrAmbiguousRule = errors.New("ambiguous rule")

	// ErrNoRule reports a target path matched by no template. The caller
	// decides whether the path is a pre-existing raw artifact.
	ErrNoRule = errors.New("no rule produces path")
)
