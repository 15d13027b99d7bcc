package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/pipegrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("pipegrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Pipegrid - A rule-driven pipeline runner for file-based data workflows.

Usage:
  pipegrid [options] TARGET...

Arguments:
  TARGET
    An artifact path to bring up to date, or the name of a pipeline
    declared in the rule files.

Options:
`)
		flagSet.PrintDefaults()
	}

	rulesFlag := flagSet.String("rules", "", "Path to a rule file or a directory of .hcl rule files.")
	rFlag := flagSet.String("r", "", "Path to a rule file or directory (shorthand).")
	workersFlag := flagSet.Int("workers", 4, "Number of concurrent workers for the executor.")
	failFastFlag := flagSet.Bool("fail-fast", false, "Stop dispatching new tasks after the first failure.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Print the plan without executing anything.")
	retriesFlag := flagSet.Int("retries", -1, "Override the default retry budget for transient failures. -1 keeps the rule files' setting.")
	timeoutFlag := flagSet.Duration("timeout", 0, "Per-attempt task timeout (e.g. 10m). 0 disables the bound.")
	historyFlag := flagSet.String("history", "", "Path to the run-history SQLite database. Empty disables history.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	rulesPath := *rulesFlag
	if rulesPath == "" {
		rulesPath = *rFlag
	}

	if rulesPath == "" && flagSet.NArg() == 0 {
		flagSet.Usage()
		return nil, true, nil
	}
	if rulesPath == "" {
		return nil, false, &ExitError{Code: 2, Message: "a rules path is required (-rules or -r)"}
	}
	if flagSet.NArg() == 0 {
		return nil, false, &ExitError{Code: 2, Message: "at least one target is required"}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config := &app.Config{
		RulesPath:       rulesPath,
		Targets:         flagSet.Args(),
		Workers:         *workersFlag,
		FailFast:        *failFastFlag,
		DryRun:          *dryRunFlag,
		Retries:         *retriesFlag,
		Timeout:         *timeoutFlag,
		HistoryPath:     *historyFlag,
		HealthcheckPort: *healthPortFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
	}
	if err := config.Validate(); err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return config, false, nil
}
