package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/splitlab/internal/server"
)

func TestWorkerOverrides(t *testing.T) {
	config := parseWorkerFlags(flag.NewFlagSet("worker", flag.ContinueOnError),
		[]string{"--schedule", "@every 5m", "--concurrency", "2", "--once"})

	assert.True(t, config.Once)
	assert.NotEmpty(t, config.WorkerID)
	assert.Equal(t, map[string]interface{}{
		"scheduler.enabled":     true,
		"scheduler.schedule":    "@every 5m",
		"scheduler.concurrency": 2,
	}, config.overrides())
}

func TestWorkerOverridesApplyToServerConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SPLITLAB_SCHEDULER_ENABLED", "false")

	config := parseWorkerFlags(flag.NewFlagSet("worker", flag.ContinueOnError), []string{"--log-level", "debug"})
	cfg, err := server.LoadConfig("", config.overrides())
	require.NoError(t, err)

	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "@every 15m", cfg.Scheduler.Schedule)
}
