package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inferloop/splitlab/pkg/interfaces"
	"github.com/inferloop/splitlab/pkg/models"
)

// publish stamps and writes a lifecycle event. Sink failures never fail the
// transition that produced the event.
func (c *Controller) publish(ctx context.Context, event *models.LifecycleEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.clock.Now()
	}

	if err := c.events.Publish(ctx, event); err != nil {
		c.metrics.RecordSinkError("events")
		c.logger.WithError(err).WithField("event_type", event.Type).Error("Failed to publish lifecycle event")
	}
}

// record fans results out to sinks concurrently and logs failures
func (c *Controller) record(ctx context.Context, name string, sinks []interfaces.ResultsSink, exp *models.Experiment, res *models.ExperimentResults) {
	if len(sinks) == 0 {
		return
	}

	// Sinks share the caller's context so one failure never cancels another.
	var g errgroup.Group
	for _, sink := range sinks {
		sink := sink
		g.Go(func() error {
			return sink.Record(ctx, exp, res)
		})
	}
	if err := g.Wait(); err != nil {
		c.metrics.RecordSinkError(name)
		c.logger.WithError(err).WithField("experiment_id", exp.ID).Errorf("Failed to record results to %s", name)
	}
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (*models.Experiment, bool) { return nil, false }
func (noopCache) Put(context.Context, *models.Experiment) error { return nil }
func (noopCache) Invalidate(context.Context, string) error { return nil }

type noopEvents struct{}

func (noopEvents) Publish(context.Context, *models.LifecycleEvent) error { return nil }

type noopMetrics struct{}

func (noopMetrics) RecordAssignment(string, string, string) {}
func (noopMetrics) RecordConversion(string, string) {}
func (noopMetrics) RecordTransition(string, string) {}
func (noopMetrics) RecordAutoStop(string) {}
func (noopMetrics) ObserveAnalysis(string, time.Duration) {}
func (noopMetrics) RecordSinkError(string) {}
