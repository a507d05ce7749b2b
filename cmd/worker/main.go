package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/scheduler"
	"github.com/inferloop/splitlab/internal/server"
)

type WorkerConfig struct {
	WorkerID    string
	ConfigFile  string
	Schedule    string
	Concurrency int
	Once        bool
	LogLevel    string
	LogFormat   string
}

var logger *logrus.Logger

func main() {
	config := parseFlags()

	cfg, err := server.LoadConfig(config.ConfigFile, config.overrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger = cfg.NewLogger()

	logger.WithFields(logrus.Fields{
		"workerID":    config.WorkerID,
		"schedule":    cfg.Scheduler.Schedule,
		"concurrency": cfg.Scheduler.Concurrency,
		"backend":     cfg.Storage.Backend,
	}).Info("Starting splitlab duration sweep worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := server.BuildComponents(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize components")
	}
	defer components.Close()

	sweeper, err := scheduler.NewScheduler(cfg.Scheduler, components.Controller, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	if config.Once {
		report, err := sweeper.RunOnce(ctx)
		if err != nil {
			logger.WithError(err).Error("Duration sweep failed")
			components.Close()
			os.Exit(1)
		}
		json.NewEncoder(os.Stdout).Encode(report)
		return
	}

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := sweeper.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Worker shutdown failed")
		components.Close()
		os.Exit(1)
	}

	logger.Info("Worker stopped successfully")
}

func parseFlags() *WorkerConfig {
	return parseWorkerFlags(flag.CommandLine, os.Args[1:])
}

func parseWorkerFlags(fs *flag.FlagSet, args []string) *WorkerConfig {
	config := &WorkerConfig{}

	fs.StringVar(&config.WorkerID, "worker-id", generateWorkerID(), "Unique worker ID")
	fs.StringVar(&config.ConfigFile, "config", "", "Path to configuration file")
	fs.StringVar(&config.Schedule, "schedule", "", "Sweep schedule, cron or @every (overrides config)")
	fs.IntVar(&config.Concurrency, "concurrency", 0, "Experiments evaluated in parallel (overrides config)")
	fs.BoolVar(&config.Once, "once", false, "Run a single sweep, print the report and exit")
	fs.StringVar(&config.LogLevel, "log-level", "", "Log level (overrides config)")
	fs.StringVar(&config.LogFormat, "log-format", "", "Log format (overrides config)")

	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	return config
}

// overrides maps the non-empty flags onto config keys. The worker always
// runs the sweep, whatever the server setting says.
func (c *WorkerConfig) overrides() map[string]interface{} {
	overrides := map[string]interface{}{
		"scheduler.enabled": true,
	}
	if c.Schedule != "" {
		overrides["scheduler.schedule"] = c.Schedule
	}
	if c.Concurrency > 0 {
		overrides["scheduler.concurrency"] = c.Concurrency
	}
	if c.LogLevel != "" {
		overrides["log.level"] = c.LogLevel
	}
	if c.LogFormat != "" {
		overrides["log.format"] = c.LogFormat
	}
	return overrides
}

func generateWorkerID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().Unix())
}
