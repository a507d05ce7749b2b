package storage

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/splitlab/internal/storage/implementations/memory"
	"github.com/inferloop/splitlab/internal/storage/implementations/postgres"
	"github.com/inferloop/splitlab/pkg/interfaces"
)

func TestFactoryDefaults(t *testing.T) {
	f := NewFactory(logrus.New())
	assert.Equal(t, []string{BackendMemory, BackendPostgres}, f.GetSupportedTypes())
	assert.True(t, f.IsSupported("postgres"))
	assert.False(t, f.IsSupported("cassandra"))
}

func TestFactoryCreateStore(t *testing.T) {
	f := NewFactory(nil)

	store, err := f.CreateStore(&Config{})
	require.NoError(t, err)
	assert.IsType(t, &memory.MemoryStorage{}, store)
	require.NoError(t, store.Connect(context.Background()))
	require.NoError(t, store.Ping(context.Background()))

	store, err = f.CreateStore(&Config{
		Backend:  BackendPostgres,
		Postgres: postgres.PostgresConfig{Host: "localhost", Port: 5432, Database: "splitlab"},
	})
	require.NoError(t, err)
	assert.IsType(t, &postgres.PostgresStorage{}, store)

	_, err = f.CreateStore(&Config{Backend: BackendPostgres})
	require.Error(t, err)

	_, err = f.CreateStore(&Config{Backend: "cassandra"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")

	_, err = f.CreateStore(nil)
	require.Error(t, err)
}

func TestFactoryRegisterStore(t *testing.T) {
	f := NewFactory(nil)

	require.Error(t, f.RegisterStore("", nil))
	require.Error(t, f.RegisterStore("custom", nil))

	called := false
	require.NoError(t, f.RegisterStore("custom", func(config *Config, logger *logrus.Logger) (interfaces.Store, error) {
		called = true
		return memory.NewMemoryStorage(logger), nil
	}))

	_, err := f.CreateStore(&Config{Backend: "custom"})
	require.NoError(t, err)
	assert.True(t, called)
}
