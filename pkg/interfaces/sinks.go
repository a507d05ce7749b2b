package interfaces

import (
	"context"
	"time"

	"github.com/inferloop/splitlab/pkg/models"
)

// ActiveCache holds running experiments for the hot assignment path
type ActiveCache interface {
	// Get returns a cached experiment
	Get(ctx context.Context, id string) (*models.Experiment, bool)

	// Put caches a running experiment
	Put(ctx context.Context, exp *models.Experiment) error

	// Invalidate drops an experiment from the cache
	Invalidate(ctx context.Context, id string) error
}

// EventSink receives append-only lifecycle events
type EventSink interface {
	Publish(ctx context.Context, event *models.LifecycleEvent) error
}

// ResultsSink receives computed results, for history or archival
type ResultsSink interface {
	Record(ctx context.Context, exp *models.Experiment, results *models.ExperimentResults) error
}

// Clock supplies timestamps
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
