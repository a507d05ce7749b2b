package main

import (
	"flag"
	"fmt"
	"os"
)

type Flags struct {
	ConfigFile     string
	Host           string
	Port           int
	LogLevel       string
	LogFormat      string
	MetricsPort    int
	StorageBackend string
	Version        bool

	set map[string]bool
}

func ParseFlags() *Flags {
	return parseFlags(flag.CommandLine, os.Args[1:])
}

func parseFlags(fs *flag.FlagSet, args []string) *Flags {
	f := &Flags{}

	fs.StringVar(&f.ConfigFile, "config", "", "Path to configuration file (default $HOME/.splitlab/config.yaml)")
	fs.StringVar(&f.Host, "host", "0.0.0.0", "Server host")
	fs.IntVar(&f.Port, "port", 8080, "Server port")
	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFormat, "log-format", "json", "Log format (json, text)")
	fs.IntVar(&f.MetricsPort, "metrics-port", 9090, "Prometheus metrics port")
	fs.StringVar(&f.StorageBackend, "storage", "memory", "Storage backend (memory, postgres)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(fs.Output(), "\nSplitlab experimentation server\n\n")
		fmt.Fprintf(fs.Output(), "Every option can also be set in the config file or as SPLITLAB_* environment variables.\n\n")
		fmt.Fprintf(fs.Output(), "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) {
		f.set[fl.Name] = true
	})

	return f
}

// Overrides returns the config keys for flags given on the command line, so
// unset flags do not mask file or environment values
func (f *Flags) Overrides() map[string]interface{} {
	overrides := make(map[string]interface{})
	if f.set["host"] {
		overrides["server.host"] = f.Host
	}
	if f.set["port"] {
		overrides["server.port"] = f.Port
	}
	if f.set["log-level"] {
		overrides["log.level"] = f.LogLevel
	}
	if f.set["log-format"] {
		overrides["log.format"] = f.LogFormat
	}
	if f.set["metrics-port"] {
		overrides["metrics.port"] = f.MetricsPort
	}
	if f.set["storage"] {
		overrides["storage.backend"] = f.StorageBackend
	}
	return overrides
}

func printVersion() {
	info := GetBuildInfo()
	fmt.Printf("%s %s\n", info.Name, info.Version)
	fmt.Printf("Git Commit: %s\n", info.GitCommit)
	fmt.Printf("Build Date: %s\n", info.BuildDate)
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s\n", info.Platform)
}
