package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/pkg/errors"
)

// PostgresConfig holds configuration for PostgreSQL
type PostgresConfig struct {
	DSN             string        `json:"dsn" mapstructure:"dsn"`
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	Database        string        `json:"database" mapstructure:"database"`
	Username        string        `json:"username" mapstructure:"username"`
	Password        string        `json:"password" mapstructure:"password"`
	SSLMode         string        `json:"ssl_mode" mapstructure:"ssl_mode"`
	ConnectTimeout  time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `json:"query_timeout" mapstructure:"query_timeout"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// ConnectionString returns the DSN, building one from the discrete fields
// when none is configured
func (c *PostgresConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.Username,
		c.Password,
		c.Database,
		sslMode,
	)
}

// OperationObserver receives the outcome of every store operation
type OperationObserver interface {
	RecordStorageOperation(backend, operation, status string, duration time.Duration)
}

// PostgresStorage implements interfaces.Store on PostgreSQL. Concurrency
// guarantees come from single statements: counters are incremented in SQL,
// assignments are inserted with ON CONFLICT DO NOTHING and status changes
// are guarded by the expected current status.
type PostgresStorage struct {
	config   *PostgresConfig
	db       *sql.DB
	logger   *logrus.Logger
	observer OperationObserver
	mu       sync.RWMutex
	closed   bool
}

// NewPostgresStorage creates a new, unconnected PostgreSQL store
func NewPostgresStorage(config *PostgresConfig, logger *logrus.Logger) (*PostgresStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "PostgreSQL config cannot be nil")
	}

	if config.DSN == "" && config.Host == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "PostgreSQL DSN or host is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &PostgresStorage{
		config: config,
		logger: logger,
	}, nil
}

// NewPostgresStorageWithDB wraps an already opened database handle. The
// schema is not initialized.
func NewPostgresStorageWithDB(db *sql.DB, config *PostgresConfig, logger *logrus.Logger) *PostgresStorage {
	if config == nil {
		config = &PostgresConfig{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &PostgresStorage{
		config: config,
		db:     db,
		logger: logger,
	}
}

// SetObserver attaches an operation observer, typically Prometheus
func (ps *PostgresStorage) SetObserver(observer OperationObserver) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.observer = observer
}

// Connect establishes connection to PostgreSQL and creates the schema
func (ps *PostgresStorage) Connect(ctx context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", ps.config.ConnectionString())
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to open database connection")
	}

	if ps.config.MaxConnections > 0 {
		db.SetMaxOpenConns(ps.config.MaxConnections)
	}
	if ps.config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(ps.config.MaxIdleConns)
	}
	if ps.config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(ps.config.ConnMaxLifetime)
	}

	if ps.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ps.config.ConnectTimeout)
		defer cancel()
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to ping database")
	}

	if err := initializeSchema(ctx, db); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to initialize schema")
	}

	ps.db = db
	ps.closed = false

	ps.logger.WithFields(logrus.Fields{
		"host":     ps.config.Host,
		"port":     ps.config.Port,
		"database": ps.config.Database,
	}).Info("Connected to PostgreSQL")

	return nil
}

// Close closes the database connection
func (ps *PostgresStorage) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil
	}

	if ps.db != nil {
		err := ps.db.Close()
		ps.db = nil
		ps.closed = true

		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to close database connection")
		}
	}

	ps.logger.Info("PostgreSQL connection closed")
	return nil
}

// Ping tests the database connection
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	db, err := ps.handle()
	if err != nil {
		return err
	}

	ctx, cancel := ps.withTimeout(ctx)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Database ping failed")
	}
	return nil
}

func (ps *PostgresStorage) handle() (*sql.DB, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed || ps.db == nil {
		return nil, errors.WrapError(errors.ErrNotConnected, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Database not connected")
	}
	return ps.db, nil
}

func (ps *PostgresStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ps.config.QueryTimeout > 0 {
		return context.WithTimeout(ctx, ps.config.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

// observe reports an operation to the attached observer and logs failures
func (ps *PostgresStorage) observe(operation string, start time.Time, err error) {
	ps.mu.RLock()
	observer := ps.observer
	ps.mu.RUnlock()

	status := "success"
	if err != nil {
		status = "error"
		ps.logger.WithError(err).WithField("operation", operation).Debug("PostgreSQL operation failed")
	}
	if observer != nil {
		observer.RecordStorageOperation("postgres", operation, status, time.Since(start))
	}
}

func initializeSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			target_population TEXT,
			status VARCHAR(16) NOT NULL,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			traffic_allocation DOUBLE PRECISION NOT NULL,
			confidence_level DOUBLE PRECISION NOT NULL,
			minimum_sample_size BIGINT NOT NULL,
			winner_variant_id VARCHAR(64),
			metrics JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS variants (
			experiment_id VARCHAR(64) NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
			id VARCHAR(64) NOT NULL,
			position INT NOT NULL,
			name VARCHAR(255) NOT NULL,
			traffic_split DOUBLE PRECISION NOT NULL,
			is_control BOOLEAN NOT NULL DEFAULT FALSE,
			configuration JSONB,
			sessions BIGINT NOT NULL DEFAULT 0,
			conversions BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (experiment_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id VARCHAR(64) NOT NULL,
			subject_id VARCHAR(255) NOT NULL,
			experiment_id VARCHAR(64) NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
			variant_id VARCHAR(64) NOT NULL,
			assigned_at TIMESTAMPTZ NOT NULL,
			converted BOOLEAN NOT NULL DEFAULT FALSE,
			converted_at TIMESTAMPTZ,
			conversion_value DOUBLE PRECISION,
			session_metrics JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (subject_id, experiment_id)
		)`,
		`CREATE TABLE IF NOT EXISTS experiment_results (
			experiment_id VARCHAR(64) NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
			generated_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (experiment_id, generated_at)
		)`,
		"CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments (status)",
		"CREATE INDEX IF NOT EXISTS idx_assignments_experiment ON assignments (experiment_id, assigned_at)",
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}
