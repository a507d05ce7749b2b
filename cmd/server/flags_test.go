package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inferloop/splitlab/pkg/constants"
)

func TestOverridesOnlyIncludeGivenFlags(t *testing.T) {
	f := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), []string{"--port", "9000", "--storage", "postgres"})

	assert.Equal(t, map[string]interface{}{
		"server.port":     9000,
		"storage.backend": "postgres",
	}, f.Overrides())
	assert.Equal(t, "info", f.LogLevel)
}

func TestNoFlagsNoOverrides(t *testing.T) {
	f := parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	assert.Empty(t, f.Overrides())
	assert.False(t, f.Version)
}

func TestBuildInfo(t *testing.T) {
	info := GetBuildInfo()
	assert.Equal(t, constants.AppName, info.Name)
	assert.Equal(t, constants.AppVersion, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}
