package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse([]string{"-rules", "rules.hcl", "reports/sales.txt"}, &out)
	require.NoError(t, err)
	require.False(t, exit)

	assert.Equal(t, "rules.hcl", cfg.RulesPath)
	assert.Equal(t, []string{"reports/sales.txt"}, cfg.Targets)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, -1, cfg.Retries)
	assert.Equal(t, time.Duration(0), cfg.Timeout)
	assert.False(t, cfg.FailFast)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParse_AllFlags(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse([]string{
		"-r", "pipelines/",
		"-workers", "8",
		"-fail-fast",
		"-dry-run",
		"-retries", "3",
		"-timeout", "90s",
		"-history", "runs.db",
		"-healthcheck-port", "8080",
		"-log-format", "json",
		"-log-level", "debug",
		"daily", "weekly",
	}, &out)
	require.NoError(t, err)
	require.False(t, exit)

	assert.Equal(t, "pipelines/", cfg.RulesPath)
	assert.Equal(t, []string{"daily", "weekly"}, cfg.Targets)
	assert.Equal(t, 8, cfg.Workers)
	assert.True(t, cfg.FailFast)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, "runs.db", cfg.HistoryPath)
	assert.Equal(t, 8080, cfg.HealthcheckPort)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestParse_NoArgsPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	cfg, exit, err := Parse(nil, &out)
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Nil(t, cfg)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParse_MissingRulesIsUsageError(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse([]string{"daily"}, &out)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Contains(t, exitErr.Message, "rules path")
}

func TestParse_MissingTargetsIsUsageError(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse([]string{"-rules", "rules.hcl"}, &out)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Contains(t, exitErr.Message, "target")
}

func TestParse_InvalidLogSettings(t *testing.T) {
	var out bytes.Buffer
	_, _, err := Parse([]string{"-rules", "r.hcl", "-log-format", "xml", "daily"}, &out)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)

	_, _, err = Parse([]string{"-rules", "r.hcl", "-log-level", "loud", "daily"}, &out)
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
}
