package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/server"
	"github.com/inferloop/splitlab/pkg/constants"
)

func main() {
	flags := ParseFlags()
	if flags.Version {
		printVersion()
		os.Exit(0)
	}

	config, err := server.LoadConfig(flags.ConfigFile, flags.Overrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger()

	logger.WithFields(logrus.Fields{
		"version":   Version,
		"commit":    GitCommit,
		"buildDate": BuildDate,
		"backend":   config.Storage.Backend,
	}).Info("Starting " + constants.AppName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	srv, err := server.NewServer(ctx, config, Version, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize server")
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("Server failed")
		}
	}

	// Graceful shutdown
	cancel()
	if err := srv.Stop(context.Background()); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
		os.Exit(1)
	}

	logger.Info("Server stopped")
}
