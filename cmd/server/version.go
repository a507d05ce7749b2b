package main

import (
	"runtime"

	"github.com/inferloop/splitlab/pkg/constants"
)

// Set at build time with -ldflags "-X main.GitCommit=... -X main.BuildDate=...".
// Version defaults to the release the engine constants describe.
var (
	Version   = constants.AppVersion
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = runtime.Version()
	Platform  = runtime.GOOS + "/" + runtime.GOARCH
)

// BuildInfo describes the running splitlab-server binary
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetBuildInfo returns the build metadata reported by --version
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Name:      constants.AppName,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
		Platform:  Platform,
	}
}
