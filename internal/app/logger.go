package app

import (
	"io"
	"log/slog"
)

// newLogger builds the App's isolated logger; the process-global logger is
// never touched. Level names follow the -log-level flag and parse
// case-insensitively; an unrecognized value falls back to info so a bad
// setting cannot silence the run's output.
func newLogger(level, format string, outW io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(outW, opts))
	}
	return slog.New(slog.NewTextHandler(outW, opts))
}
