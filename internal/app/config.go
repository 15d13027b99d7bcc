package app

import (
	"errors"
	"fmt"
	"time"
)

// Config holds everything an App instance needs to run one invocation.
type Config struct {
	// RulesPath points at a rule file or a directory of rule files.
	RulesPath string
	// Targets are the requested artifact paths or pipeline names.
	Targets []string

	Workers  int
	FailFast bool
	DryRun   bool
	// Timeout bounds each task attempt; zero disables the bound.
	Timeout time.Duration
	// Retries, when non-negative, overrides the rule files' default retry
	// budget for transient failures.
	Retries int

	// HistoryPath is the run-history database location; empty disables
	// history recording.
	HistoryPath string

	HealthcheckPort int
	LogFormat       string
	LogLevel        string
}

// Validate checks the configuration for the mistakes a flag parser cannot
// express.
func (c *Config) Validate() error {
	if c.RulesPath == "" {
		return errors.New("a rules path is required")
	}
	if len(c.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	if c.Workers < 0 {
		return fmt.Errorf("worker count must not be negative, got %d", c.Workers)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}
