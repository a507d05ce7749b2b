package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/api"
	"github.com/inferloop/splitlab/internal/lifecycle"
	"github.com/inferloop/splitlab/internal/scheduler"
)

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *logrus.Logger
	config     *Config
	components *Components
	handlers   *api.Handlers
	scheduler  *scheduler.Scheduler

	stopOnce sync.Once
	stopErr  error
}

// NewServer connects the configured backends and builds the HTTP surface
func NewServer(ctx context.Context, config *Config, version string, logger *logrus.Logger) (*Server, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	components, err := BuildComponents(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	server, err := newServer(config, version, components, logger)
	if err != nil {
		components.Close()
		return nil, err
	}
	return server, nil
}

func newServer(config *Config, version string, components *Components, logger *logrus.Logger) (*Server, error) {
	handlers, err := api.NewHandlers(&api.HandlerConfig{
		Engine:      components.Controller,
		Monitor:     components.Monitor,
		Version:     version,
		Environment: config.Server.Environment,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API handlers: %w", err)
	}

	middleware := config.API
	router := api.NewRouter(handlers, api.RouterConfig{
		Middleware:     &middleware,
		Metrics:        components.Metrics,
		MetricsHandler: components.Metrics.Handler(),
		Logger:         logger,
	}).SetupRoutes()

	server := &Server{
		router:     router,
		logger:     logger,
		config:     config,
		components: components,
		handlers:   handlers,
	}

	if config.Scheduler.Enabled {
		server.scheduler, err = scheduler.NewScheduler(config.Scheduler, components.Controller, logger)
		if err != nil {
			return nil, err
		}
	}

	server.httpServer = &http.Server{
		Addr:         config.GetAddress(),
		Handler:      router,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	return server, nil
}

// Start starts the metrics endpoint and the duration sweep, then serves
// HTTP until Stop is called
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if err := s.components.Metrics.Start(ctx); err != nil {
		listener.Close()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			listener.Close()
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"address":     listener.Addr().String(),
		"environment": s.config.Server.Environment,
	}).Info("Starting HTTP server")

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server, then the sweep, then closes
// backend connections. Calling Stop more than once is safe.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Error shutting down HTTP server")
		firstErr = err
	}

	if s.scheduler != nil {
		if err := s.scheduler.Stop(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Error stopping scheduler")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := s.components.Metrics.Stop(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Error shutting down metrics server")
	}

	if err := s.components.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("HTTP server stopped")
	return firstErr
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Controller returns the lifecycle controller behind the API
func (s *Server) Controller() *lifecycle.Controller {
	return s.components.Controller
}
