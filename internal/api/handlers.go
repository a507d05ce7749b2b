package api

import (
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/api/handlers"
	"github.com/inferloop/splitlab/internal/observability/health"
	"github.com/inferloop/splitlab/pkg/errors"
)

// Handlers contains all HTTP handlers for the API
type Handlers struct {
	Experiments *handlers.ExperimentsHandler
	Health      *handlers.HealthHandler
}

// HandlerConfig contains configuration for handlers
type HandlerConfig struct {
	Engine      handlers.Engine
	Monitor     *health.Monitor
	Version     string
	Environment string
	Logger      *logrus.Logger
}

// NewHandlers creates a new handlers instance with all HTTP handlers
func NewHandlers(config *HandlerConfig) (*Handlers, error) {
	if config == nil || config.Engine == nil {
		return nil, errors.NewAppError(errors.ErrorTypeConfiguration, errors.CodeInvalidConfig, "API handlers require an experiment engine")
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	return &Handlers{
		Experiments: handlers.NewExperimentsHandler(config.Engine, config.Logger),
		Health:      handlers.NewHealthHandler(config.Version, config.Environment, config.Monitor),
	}, nil
}
