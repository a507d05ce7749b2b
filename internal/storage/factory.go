package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/storage/implementations/memory"
	"github.com/inferloop/splitlab/internal/storage/implementations/postgres"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/interfaces"
)

// Supported store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config selects and configures the primary store
type Config struct {
	Backend  string                  `json:"backend" mapstructure:"backend"`
	Postgres postgres.PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

// StoreCreateFunc builds an unconnected store from configuration
type StoreCreateFunc func(config *Config, logger *logrus.Logger) (interfaces.Store, error)

// Factory creates stores by backend name
type Factory struct {
	creators map[string]StoreCreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a new store factory with the built-in backends
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		creators: make(map[string]StoreCreateFunc),
		logger:   logger,
	}

	factory.registerDefaults()

	return factory
}

// CreateStore creates a new, unconnected store instance
func (f *Factory) CreateStore(config *Config) (interfaces.Store, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "storage config cannot be nil")
	}

	backend := config.Backend
	if backend == "" {
		backend = BackendMemory
	}

	f.mu.RLock()
	createFunc, exists := f.creators[backend]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, fmt.Sprintf("Storage backend '%s' is not supported", backend))
	}

	store, err := createFunc(config, f.logger)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, fmt.Sprintf("Failed to create %s store", backend))
	}

	f.logger.WithFields(logrus.Fields{
		"backend": backend,
	}).Info("Created store instance")

	return store, nil
}

// RegisterStore registers a new backend
func (f *Factory) RegisterStore(backend string, createFunc StoreCreateFunc) error {
	if backend == "" {
		return errors.NewValidationError(errors.CodeMissingField, "Storage backend cannot be empty")
	}

	if createFunc == nil {
		return errors.NewValidationError(errors.CodeMissingField, "Store create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.creators[backend] = createFunc
	return nil
}

// IsSupported checks if a backend is registered
func (f *Factory) IsSupported(backend string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, exists := f.creators[backend]
	return exists
}

// GetSupportedTypes returns all registered backends, sorted
func (f *Factory) GetSupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.creators))
	for backend := range f.creators {
		types = append(types, backend)
	}
	sort.Strings(types)
	return types
}

func (f *Factory) registerDefaults() {
	f.RegisterStore(BackendMemory, func(config *Config, logger *logrus.Logger) (interfaces.Store, error) {
		return memory.NewMemoryStorage(logger), nil
	})

	f.RegisterStore(BackendPostgres, func(config *Config, logger *logrus.Logger) (interfaces.Store, error) {
		pgConfig := config.Postgres
		return postgres.NewPostgresStorage(&pgConfig, logger)
	})
}
