package interfaces

import (
	"context"
	"time"

	"github.com/inferloop/splitlab/pkg/models"
)

// Storage defines the connection lifecycle every backend implements
type Storage interface {
	// Connect establishes connection to the storage backend
	Connect(ctx context.Context) error

	// Close closes the connection and cleans up resources
	Close() error

	// Ping tests the connection
	Ping(ctx context.Context) error
}

// StatusUpdate carries the fields written together with a status change
type StatusUpdate struct {
	StartTime       *time.Time
	EndTime         *time.Time
	WinnerVariantID string
	UpdatedAt       time.Time
}

// ExperimentStore persists experiments and their variants
type ExperimentStore interface {
	// CreateExperiment inserts an experiment with its variants and metrics
	CreateExperiment(ctx context.Context, exp *models.Experiment) error

	// GetExperiment reads an experiment with its variants and metrics
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)

	// ListExperiments lists experiments in the given status, or all when empty
	ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error)

	// CompareAndSwapStatus moves an experiment from one status to another.
	// It reports false without error when the current status is not from,
	// so exactly one of several concurrent callers wins a transition.
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.ExperimentStatus, update StatusUpdate) (bool, error)

	// IncrementVariantCounters atomically adds to a variant's running counters
	IncrementVariantCounters(ctx context.Context, experimentID, variantID string, sessions, conversions int64) error
}

// AssignmentStore persists subject assignments
type AssignmentStore interface {
	// CreateAssignment inserts the assignment unless one already exists for
	// the (subject, experiment) pair. It returns the stored record and
	// whether this call created it.
	CreateAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, bool, error)

	// GetAssignment reads the assignment for a subject in an experiment
	GetAssignment(ctx context.Context, subjectID, experimentID string) (*models.Assignment, error)

	// MarkConverted flags the assignment converted if it is not already.
	// It returns the stored record and whether this call flipped the flag.
	MarkConverted(ctx context.Context, subjectID, experimentID string, value *float64, sessionMetrics map[string]float64, at time.Time) (*models.Assignment, bool, error)

	// ListAssignments returns every assignment of an experiment
	ListAssignments(ctx context.Context, experimentID string) ([]*models.Assignment, error)

	// CountAssignments returns the number of assignments of an experiment
	CountAssignments(ctx context.Context, experimentID string) (int64, error)
}

// ResultsStore persists computed result snapshots
type ResultsStore interface {
	// SaveResults stores a results snapshot
	SaveResults(ctx context.Context, results *models.ExperimentResults) error

	// GetLatestResults returns the most recent snapshot of an experiment
	GetLatestResults(ctx context.Context, experimentID string) (*models.ExperimentResults, error)
}

// Store is the full persistence contract consumed by the engine
type Store interface {
	Storage
	ExperimentStore
	AssignmentStore
	ResultsStore
}
