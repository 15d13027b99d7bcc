package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/pipegrid/internal/ctxlog"
	"github.com/vk/pipegrid/internal/dag"
	"github.com/vk/pipegrid/internal/rule"
	"github.com/vk/pipegrid/internal/runner"
)

// RuleLoader loads rule declarations from files into the runtime model.
type RuleLoader interface {
	Load(ctx context.Context, paths ...string) (*rule.Set, error)
}

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	set      *rule.Set
	handlers *runner.HandlerRegistry

	httpServer *http.Server
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with its own isolated logger and the rule set
// already loaded and validated. A nil handler registry gets the builtins.
func NewApp(outW io.Writer, cfg *Config, loader RuleLoader, handlers *runner.HandlerRegistry) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	set, err := loader.Load(ctx, cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("loading rules from %q: %w", cfg.RulesPath, err)
	}
	logger.Debug("Rule declarations loaded.", "rules", set.Registry.Len(), "pipelines", len(set.Pipelines))

	// The command line overrides the rule files' default retry budget.
	if cfg.Retries >= 0 {
		set.Settings.DefaultRetries = cfg.Retries
	}

	if handlers == nil {
		handlers = runner.NewHandlerRegistry()
	}

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		set:      set,
		handlers: handlers,
	}, nil
}

// Set returns the loaded rule set. This is primarily for testing.
func (a *App) Set() *rule.Set {
	return a.set
}

// IsGraphError reports whether the error came from graph construction
// rather than task execution: unresolvable artifacts, ambiguous rules,
// cycles and output conflicts.
func IsGraphError(err error) bool {
	return errors.Is(err, dag.ErrMissingArtifact) ||
		errors.Is(err, dag.ErrCycle) ||
		errors.Is(err, dag.ErrOutputConflict) ||
		errors.Is(err, rule.ErrAmbiguousRule) ||
		errors.Is(err, rule.ErrNoRule)
}
