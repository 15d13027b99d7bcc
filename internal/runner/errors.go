package runner

import (
	"errors"
	"fmt"
)

// ExecutionError describes a task attempt that failed. ExitCode is -1 when
// the failure was not a process exit (a handler error, a missing output).
type ExecutionError struct {
	Task     string
	ExitCode int
	LogPath  string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s: exit code %d (log: %s): %v", e.Task, e.ExitCode, e.LogPath, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Task, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TransientError marks a failure as retryable: a timeout or an exit code the
// pipeline classifies as transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the error chain contains a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
