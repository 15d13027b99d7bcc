package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/pipegrid/internal/app"
	"github.com/vk/pipegrid/internal/cli"
	"github.com/vk/pipegrid/internal/executor"
	"github.com/vk/pipegrid/internal/hcl"
)

// main is the entrypoint for the pipegrid application.
func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error categories to the process exit code: 1 for task
// failures, 3 for graph construction errors, 2 for everything else
// (configuration and load problems).
func exitCode(err error) int {
	switch {
	case errors.Is(err, executor.ErrTasksFailed):
		return 1
	case app.IsGraphError(err):
		return 3
	default:
		return 2
	}
}

// run encapsulates the main application logic for easier testing and error handling.
func run(outW io.Writer, args []string) error {
	appConfig, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipegridApp, err := app.NewApp(outW, appConfig, hcl.NewLoader(), nil)
	if err != nil {
		return err
	}
	return pipegridApp.Run(ctx)
}
