package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/assignment"
	"github.com/inferloop/splitlab/internal/results"
	"github.com/inferloop/splitlab/internal/stats/frequentist"
	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/models"
)

// AssignSubject buckets a subject into a running experiment and records the
// assignment once. It returns nil without error when the subject gets no
// assignment: the experiment is not running, the subject falls outside the
// traffic allocation, or the store is failing. Only an unknown experiment or
// a missing subject id is reported as an error.
func (c *Controller) AssignSubject(ctx context.Context, experimentID, subjectID string) (*models.Assignment, error) {
	if subjectID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "subject id is required")
	}

	exp, err := c.activeExperiment(ctx, experimentID)
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}
		c.degraded(experimentID, subjectID, "load experiment", err)
		return nil, nil
	}

	if exp.Status != models.StatusRunning {
		c.metrics.RecordAssignment(experimentID, "", OutcomeInactive)
		return nil, nil
	}
	if !assignment.IsEligible(subjectID, exp.ID, exp.TrafficAllocation) {
		c.metrics.RecordAssignment(experimentID, "", OutcomeIneligible)
		return nil, nil
	}

	variant := c.assigner.Assign(subjectID, exp)
	if variant == nil {
		return nil, nil
	}

	stored, created, err := c.store.CreateAssignment(ctx, &models.Assignment{
		ID:           uuid.New().String(),
		SubjectID:    subjectID,
		ExperimentID: exp.ID,
		VariantID:    variant.ID,
		AssignedAt:   c.clock.Now(),
	})
	if err != nil {
		c.degraded(experimentID, subjectID, "create assignment", err)
		return nil, nil
	}

	if !created {
		c.metrics.RecordAssignment(experimentID, stored.VariantID, OutcomeExisting)
		return stored, nil
	}

	if err := c.store.IncrementVariantCounters(ctx, stored.ExperimentID, stored.VariantID, 1, 0); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"experiment_id": experimentID,
			"variant_id":    stored.VariantID,
		}).Warn("Failed to increment session counter")
	}
	c.metrics.RecordAssignment(experimentID, stored.VariantID, OutcomeCreated)

	c.logger.WithFields(logrus.Fields{
		"experiment_id": experimentID,
		"subject_id":    subjectID,
		"variant_id":    stored.VariantID,
	}).Debug("Assigned subject")

	return stored, nil
}

// RecordConversion marks the subject's assignment converted and evaluates
// the auto-stop policy. Repeated conversions for one subject are counted
// once. Store failures are logged and swallowed like in AssignSubject.
func (c *Controller) RecordConversion(ctx context.Context, experimentID, subjectID string, value *float64, sessionMetrics map[string]float64) (*models.Assignment, error) {
	if subjectID == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "subject id is required")
	}

	exp, err := c.activeExperiment(ctx, experimentID)
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}
		c.degraded(experimentID, subjectID, "load experiment", err)
		return nil, nil
	}
	if exp.Status != models.StatusRunning {
		return nil, errors.WrapError(errors.ErrExperimentNotActive, errors.ErrorTypeLifecycle, errors.CodeNotRunning,
			"conversions are only recorded for running experiments").WithContext("status", string(exp.Status))
	}

	stored, flipped, err := c.store.MarkConverted(ctx, subjectID, experimentID, value, sessionMetrics, c.clock.Now())
	if err != nil {
		if isNotFound(err) {
			return nil, err
		}
		c.degraded(experimentID, subjectID, "mark converted", err)
		return nil, nil
	}
	if !flipped {
		return stored, nil
	}

	if err := c.store.IncrementVariantCounters(ctx, stored.ExperimentID, stored.VariantID, 0, 1); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"experiment_id": experimentID,
			"variant_id":    stored.VariantID,
		}).Warn("Failed to increment conversion counter")
	}
	c.metrics.RecordConversion(experimentID, stored.VariantID)

	if _, err := c.EvaluateAutoStop(ctx, exp); err != nil {
		c.logger.WithError(err).WithField("experiment_id", experimentID).Warn("Auto-stop evaluation failed")
	}
	return stored, nil
}

// ComputeResults aggregates the experiment's assignments with frequentist
// and Bayesian analysis, stores the snapshot and feeds the history sinks.
func (c *Controller) ComputeResults(ctx context.Context, experimentID string) (*models.ExperimentResults, error) {
	exp, err := c.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	res, err := c.aggregate(ctx, exp, c.full)
	if err != nil {
		return nil, err
	}

	if err := c.store.SaveResults(ctx, res); err != nil {
		c.logger.WithError(err).WithField("experiment_id", experimentID).Warn("Failed to save results snapshot")
	}
	c.record(ctx, "history", c.history, exp, res)
	return res, nil
}

// EvaluateAutoStop applies the stop policy to a running experiment, in order:
// statistical significance, maximum duration, then the Bayesian deploy rule
// once enough subjects are assigned. It reports whether this call stopped
// the experiment; concurrent callers race on the status swap and exactly one
// of them wins.
func (c *Controller) EvaluateAutoStop(ctx context.Context, exp *models.Experiment) (bool, error) {
	if exp.Status != models.StatusRunning {
		return false, nil
	}

	res, err := c.aggregate(ctx, exp, c.aggregator)
	if err != nil {
		return false, err
	}

	if res.OverallSignificance != nil && res.OverallSignificance.IsSignificant {
		return c.complete(ctx, exp, models.StatusRunning, models.StopSignificance, SelectWinner(res), res)
	}

	if c.expired(exp) {
		return c.complete(ctx, exp, models.StatusRunning, models.StopMaxDuration, SelectWinner(res), res)
	}

	threshold := exp.MinimumSampleSize * constants.BayesianCheckSampleMultiplier
	if res.TotalSessions >= threshold {
		control := res.Control()
		best := res.Variant(res.BestVariantID)
		if control == nil || best == nil {
			return false, nil
		}

		verdict := c.bayes.Analyze(
			frequentist.Sample{Conversions: best.Conversions, Sessions: best.Sessions},
			frequentist.Sample{Conversions: control.Conversions, Sessions: control.Sessions},
			exp.ConfidenceLevel, exp.MinimumSampleSize,
		)
		best.Bayesian = verdict
		if verdict.Recommendation == models.RecommendDeploy {
			return c.complete(ctx, exp, models.StatusRunning, models.StopBayesian, best.VariantID, res)
		}
	}
	return false, nil
}

// SweepExpired stops a running experiment past the maximum duration. It
// covers experiments that no longer receive conversions.
func (c *Controller) SweepExpired(ctx context.Context, exp *models.Experiment) (bool, error) {
	if exp.Status != models.StatusRunning || !c.expired(exp) {
		return false, nil
	}
	res, err := c.aggregate(ctx, exp, c.aggregator)
	if err != nil {
		return false, err
	}
	return c.complete(ctx, exp, models.StatusRunning, models.StopMaxDuration, SelectWinner(res), res)
}

// ListRunning returns the experiments currently running
func (c *Controller) ListRunning(ctx context.Context) ([]*models.Experiment, error) {
	return c.store.ListExperiments(ctx, models.StatusRunning)
}

func (c *Controller) expired(exp *models.Experiment) bool {
	return exp.StartTime != nil && c.clock.Now().Sub(*exp.StartTime) > c.maxDuration
}

// SelectWinner picks, among significant variants that improve on control,
// the one with the highest conversion rate. It returns "" when none qualify.
func SelectWinner(res *models.ExperimentResults) string {
	var winner *models.VariantResult
	for _, vr := range res.Variants {
		if vr.IsControl || vr.Significance == nil {
			continue
		}
		if !vr.Significance.IsSignificant || vr.ImprovementOverControl <= 0 {
			continue
		}
		if winner == nil || vr.ConversionRate > winner.ConversionRate {
			winner = vr
		}
	}
	if winner == nil {
		return ""
	}
	return winner.VariantID
}

func (c *Controller) aggregate(ctx context.Context, exp *models.Experiment, agg *results.Aggregator) (*models.ExperimentResults, error) {
	start := time.Now()
	assignments, err := c.store.ListAssignments(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	res := agg.Aggregate(exp, assignments)

	kind := "frequentist"
	if agg == c.full {
		kind = "full"
	}
	c.metrics.ObserveAnalysis(kind, time.Since(start))
	return res, nil
}

func (c *Controller) degraded(experimentID, subjectID, op string, err error) {
	c.metrics.RecordAssignment(experimentID, "", OutcomeDegraded)
	c.logger.WithError(err).WithFields(logrus.Fields{
		"experiment_id": experimentID,
		"subject_id":    subjectID,
		"operation":     op,
	}).Warn("Store unavailable, continuing without assignment")
}
