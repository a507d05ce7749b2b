package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/interfaces"
	"github.com/inferloop/splitlab/pkg/models"
)

// MemoryStorage is an in-process Store. Every mutation happens under one
// lock, which gives it the same atomicity the SQL store gets from the
// database: insert-if-absent assignments, counter increments and status
// compare-and-swap.
type MemoryStorage struct {
	logger *logrus.Logger
	mu     sync.RWMutex

	experiments map[string]*models.Experiment
	// experiment id -> subject id -> assignment
	assignments map[string]map[string]*models.Assignment
	results     map[string]*models.ExperimentResults

	connected bool
}

// NewMemoryStorage creates a new in-memory store
func NewMemoryStorage(logger *logrus.Logger) *MemoryStorage {
	if logger == nil {
		logger = logrus.New()
	}
	return &MemoryStorage{
		logger:      logger,
		experiments: make(map[string]*models.Experiment),
		assignments: make(map[string]map[string]*models.Assignment),
		results:     make(map[string]*models.ExperimentResults),
	}
}

// Connect marks the store ready
func (m *MemoryStorage) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.logger.Info("Memory storage ready")
	return nil
}

// Close marks the store closed; data is kept
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// Ping reports whether Connect has been called
func (m *MemoryStorage) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return errors.ErrNotConnected
	}
	return nil
}

// CreateExperiment stores a copy of exp
func (m *MemoryStorage) CreateExperiment(ctx context.Context, exp *models.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.experiments[exp.ID]; exists {
		return errors.WrapError(errors.ErrDuplicateData, errors.ErrorTypeStorage, errors.CodeWriteFailed, "experiment already exists").
			WithContext("experiment_id", exp.ID)
	}

	m.experiments[exp.ID] = exp.Clone()
	m.assignments[exp.ID] = make(map[string]*models.Assignment)
	return nil
}

// GetExperiment returns a copy of the stored experiment
func (m *MemoryStorage) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exp, ok := m.experiments[id]
	if !ok {
		return nil, errors.NewNotFoundError(errors.ErrExperimentNotFound, id)
	}
	return exp.Clone(), nil
}

// ListExperiments returns experiments in the given status ordered by creation
func (m *MemoryStorage) ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Experiment, 0, len(m.experiments))
	for _, exp := range m.experiments {
		if status != "" && exp.Status != status {
			continue
		}
		out = append(out, exp.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CompareAndSwapStatus moves the experiment from one status to another
func (m *MemoryStorage) CompareAndSwapStatus(ctx context.Context, id string, from, to models.ExperimentStatus, update interfaces.StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.experiments[id]
	if !ok {
		return false, errors.NewNotFoundError(errors.ErrExperimentNotFound, id)
	}
	if exp.Status != from {
		return false, nil
	}

	exp.Status = to
	if update.StartTime != nil {
		t := *update.StartTime
		exp.StartTime = &t
	}
	if update.EndTime != nil {
		t := *update.EndTime
		exp.EndTime = &t
	}
	if update.WinnerVariantID != "" {
		exp.WinnerVariantID = update.WinnerVariantID
	}
	exp.UpdatedAt = update.UpdatedAt
	return true, nil
}

// IncrementVariantCounters adds to the variant's counters in place
func (m *MemoryStorage) IncrementVariantCounters(ctx context.Context, experimentID, variantID string, sessions, conversions int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.experiments[experimentID]
	if !ok {
		return errors.NewNotFoundError(errors.ErrExperimentNotFound, experimentID)
	}
	v := exp.Variant(variantID)
	if v == nil {
		return errors.NewNotFoundError(errors.ErrVariantNotFound, variantID)
	}
	v.Sessions += sessions
	v.Conversions += conversions
	if v.Sessions > 0 {
		v.ConversionRate = float64(v.Conversions) / float64(v.Sessions) * 100
	}
	return nil
}

// CreateAssignment inserts the assignment unless the subject already has one
func (m *MemoryStorage) CreateAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bySubject, ok := m.assignments[a.ExperimentID]
	if !ok {
		return nil, false, errors.NewNotFoundError(errors.ErrExperimentNotFound, a.ExperimentID)
	}
	if existing, ok := bySubject[a.SubjectID]; ok {
		return copyAssignment(existing), false, nil
	}

	stored := copyAssignment(a)
	bySubject[a.SubjectID] = stored
	return copyAssignment(stored), true, nil
}

// GetAssignment returns the subject's assignment
func (m *MemoryStorage) GetAssignment(ctx context.Context, subjectID, experimentID string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[experimentID][subjectID]
	if !ok {
		return nil, errors.NewNotFoundError(errors.ErrAssignmentNotFound, subjectID)
	}
	return copyAssignment(a), nil
}

// MarkConverted flips the conversion flag once
func (m *MemoryStorage) MarkConverted(ctx context.Context, subjectID, experimentID string, value *float64, sessionMetrics map[string]float64, at time.Time) (*models.Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[experimentID][subjectID]
	if !ok {
		return nil, false, errors.NewNotFoundError(errors.ErrAssignmentNotFound, subjectID)
	}
	if a.Converted {
		return copyAssignment(a), false, nil
	}

	a.Converted = true
	convertedAt := at
	a.ConvertedAt = &convertedAt
	if value != nil {
		v := *value
		a.ConversionValue = &v
	}
	if len(sessionMetrics) > 0 {
		if a.SessionMetrics == nil {
			a.SessionMetrics = make(map[string]float64, len(sessionMetrics))
		}
		for k, v := range sessionMetrics {
			a.SessionMetrics[k] = v
		}
	}
	return copyAssignment(a), true, nil
}

// ListAssignments returns the experiment's assignments ordered by time
func (m *MemoryStorage) ListAssignments(ctx context.Context, experimentID string) ([]*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bySubject := m.assignments[experimentID]
	out := make([]*models.Assignment, 0, len(bySubject))
	for _, a := range bySubject {
		out = append(out, copyAssignment(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].AssignedAt.Before(out[j].AssignedAt)
	})
	return out, nil
}

// CountAssignments returns the number of assignments of an experiment
func (m *MemoryStorage) CountAssignments(ctx context.Context, experimentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.assignments[experimentID])), nil
}

// SaveResults keeps the latest snapshot per experiment
func (m *MemoryStorage) SaveResults(ctx context.Context, results *models.ExperimentResults) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[results.ExperimentID] = results
	return nil
}

// GetLatestResults returns the latest snapshot
func (m *MemoryStorage) GetLatestResults(ctx context.Context, experimentID string) (*models.ExperimentResults, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[experimentID]
	if !ok {
		return nil, errors.NewNotFoundError(errors.ErrExperimentNotFound, experimentID)
	}
	return r, nil
}

func copyAssignment(a *models.Assignment) *models.Assignment {
	out := *a
	if a.ConvertedAt != nil {
		t := *a.ConvertedAt
		out.ConvertedAt = &t
	}
	if a.ConversionValue != nil {
		v := *a.ConversionValue
		out.ConversionValue = &v
	}
	if a.SessionMetrics != nil {
		out.SessionMetrics = make(map[string]float64, len(a.SessionMetrics))
		for k, v := range a.SessionMetrics {
			out.SessionMetrics[k] = v
		}
	}
	return &out
}
