package lifecycle

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/splitlab/internal/assignment"
	"github.com/inferloop/splitlab/internal/results"
	"github.com/inferloop/splitlab/internal/stats/bayesian"
	"github.com/inferloop/splitlab/internal/stats/frequentist"
	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/interfaces"
	"github.com/inferloop/splitlab/pkg/models"
)

// MetricsRecorder receives engine measurements. A nil recorder is ignored.
type MetricsRecorder interface {
	RecordAssignment(experimentID, variantID, outcome string)
	RecordConversion(experimentID, variantID string)
	RecordTransition(from, to string)
	RecordAutoStop(reason string)
	ObserveAnalysis(kind string, duration time.Duration)
	RecordSinkError(sink string)
}

// Assignment outcomes reported to the metrics recorder
const (
	OutcomeCreated    = "created"
	OutcomeExisting   = "existing"
	OutcomeIneligible = "ineligible"
	OutcomeInactive   = "inactive"
	OutcomeDegraded   = "degraded"
)

// Options wires the controller's collaborators
type Options struct {
	Store interfaces.Store
	Cache interfaces.ActiveCache
	// Events receives lifecycle events
	Events interfaces.EventSink
	// History receives every computed result set
	History []interfaces.ResultsSink
	// Archive receives the final result set of a completed experiment
	Archive []interfaces.ResultsSink

	Clock    interfaces.Clock
	Bayesian *bayesian.Analyzer
	Metrics  MetricsRecorder
	Logger   *logrus.Logger

	// MaxDuration stops running experiments older than this
	MaxDuration time.Duration
}

// Controller is the experiment state machine. It validates configuration,
// drives transitions through the store's status compare-and-swap, assigns
// subjects and evaluates the auto-stop policy on each conversion.
type Controller struct {
	store    interfaces.Store
	cache    interfaces.ActiveCache
	events   interfaces.EventSink
	history  []interfaces.ResultsSink
	archive  []interfaces.ResultsSink
	clock    interfaces.Clock
	metrics  MetricsRecorder
	logger   *logrus.Logger
	assigner *assignment.Engine
	bayes    *bayesian.Analyzer

	// aggregator runs the frequentist pass only; full adds Bayesian verdicts
	aggregator *results.Aggregator
	full       *results.Aggregator

	maxDuration time.Duration
}

// NewController creates a lifecycle controller
func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.NewAppError(errors.ErrorTypeConfiguration, errors.CodeInvalidConfig, "lifecycle controller requires a store")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Clock == nil {
		opts.Clock = interfaces.SystemClock{}
	}
	if opts.Cache == nil {
		opts.Cache = noopCache{}
	}
	if opts.Events == nil {
		opts.Events = noopEvents{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Bayesian == nil {
		opts.Bayesian = bayesian.NewAnalyzer(bayesian.Config{}, opts.Logger)
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = constants.DefaultMaxExperimentDuration
	}

	freq := frequentist.NewAnalyzer(0)
	return &Controller{
		store:       opts.Store,
		cache:       opts.Cache,
		events:      opts.Events,
		history:     opts.History,
		archive:     opts.Archive,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		assigner:    assignment.NewEngine(opts.Logger),
		bayes:       opts.Bayesian,
		aggregator:  results.NewAggregator(freq, nil, opts.Clock, opts.Logger),
		full:        results.NewAggregator(freq, opts.Bayesian, opts.Clock, opts.Logger),
		maxDuration: opts.MaxDuration,
	}, nil
}

// CreateExperiment fills in ids and defaults, normalizes traffic splits,
// validates the configuration and stores the experiment as a draft.
func (c *Controller) CreateExperiment(ctx context.Context, exp *models.Experiment) (*models.Experiment, error) {
	exp = exp.Clone()
	now := c.clock.Now()

	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}
	for _, v := range exp.Variants {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.ExperimentID = exp.ID
		v.Sessions, v.Conversions, v.ConversionRate = 0, 0, 0
	}
	if exp.TrafficAllocation == 0 {
		exp.TrafficAllocation = 100
	}
	if exp.ConfidenceLevel == 0 {
		exp.ConfidenceLevel = constants.DefaultConfidenceLevel
	}
	if exp.MinimumSampleSize == 0 {
		exp.MinimumSampleSize = constants.DefaultMinimumSampleSize
	}
	for _, m := range exp.Metrics {
		if m.Direction == "" {
			m.Direction = models.DirectionIncrease
		}
	}
	exp.Status = models.StatusDraft
	exp.StartTime, exp.EndTime = nil, nil
	exp.WinnerVariantID = ""
	exp.CreatedAt, exp.UpdatedAt = now, now

	if assignment.NormalizeSplits(exp.Variants) {
		c.logger.WithField("experiment_id", exp.ID).Info("Normalized variant traffic splits to 100")
	}

	if err := ValidateConfig(exp); err != nil {
		return nil, err
	}

	if err := c.store.CreateExperiment(ctx, exp); err != nil {
		return nil, err
	}

	c.publish(ctx, &models.LifecycleEvent{
		Type:         models.EventExperimentCreated,
		ExperimentID: exp.ID,
	})

	c.logger.WithFields(logrus.Fields{
		"experiment_id": exp.ID,
		"name":          exp.Name,
		"variants":      len(exp.Variants),
	}).Info("Created experiment")

	return exp, nil
}

// GetExperiment reads an experiment from the store
func (c *Controller) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	return c.store.GetExperiment(ctx, id)
}

// ListExperiments returns experiments in the given status, or all of them
// when status is empty
func (c *Controller) ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error) {
	if status != "" && !status.Valid() {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "unknown experiment status").
			WithContext("status", string(status))
	}
	return c.store.ListExperiments(ctx, status)
}

// StartExperiment moves a draft into running after a readiness check
func (c *Controller) StartExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	exp, err := c.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != models.StatusDraft {
		return nil, errors.NewLifecycleError("start", string(exp.Status))
	}
	if err := ValidateReadiness(exp); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	updated, err := c.transition(ctx, exp, "start", models.StatusDraft, models.StatusRunning, interfaces.StatusUpdate{
		StartTime: &now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	if err := c.cache.Put(ctx, updated); err != nil {
		c.logger.WithError(err).WithField("experiment_id", id).Warn("Failed to cache running experiment")
	}
	c.publish(ctx, &models.LifecycleEvent{Type: models.EventExperimentStarted, ExperimentID: id})
	return updated, nil
}

// PauseExperiment suspends assignment for a running experiment
func (c *Controller) PauseExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	exp, err := c.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := c.transition(ctx, exp, "pause", models.StatusRunning, models.StatusPaused, interfaces.StatusUpdate{
		UpdatedAt: c.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	c.invalidate(ctx, id)
	c.publish(ctx, &models.LifecycleEvent{Type: models.EventExperimentPaused, ExperimentID: id})
	return updated, nil
}

// ResumeExperiment puts a paused experiment back into running. The original
// start time is kept, so paused time counts toward the maximum duration.
func (c *Controller) ResumeExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	exp, err := c.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := c.transition(ctx, exp, "resume", models.StatusPaused, models.StatusRunning, interfaces.StatusUpdate{
		UpdatedAt: c.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	if err := c.cache.Put(ctx, updated); err != nil {
		c.logger.WithError(err).WithField("experiment_id", id).Warn("Failed to cache running experiment")
	}
	c.publish(ctx, &models.LifecycleEvent{Type: models.EventExperimentResumed, ExperimentID: id})
	return updated, nil
}

// CancelExperiment abandons a draft, running or paused experiment
func (c *Controller) CancelExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	exp, err := c.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status.IsTerminal() {
		return nil, errors.NewLifecycleError("cancel", string(exp.Status))
	}

	now := c.clock.Now()
	updated, err := c.transition(ctx, exp, "cancel", exp.Status, models.StatusCancelled, interfaces.StatusUpdate{
		EndTime:   &now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	c.invalidate(ctx, id)
	c.publish(ctx, &models.LifecycleEvent{Type: models.EventExperimentCancelled, ExperimentID: id})
	return updated, nil
}

// StopExperiment completes a running or paused experiment. An empty
// winnerID lets the winner rule pick one from the current results.
func (c *Controller) StopExperiment(ctx context.Context, id, winnerID string) (*models.Experiment, error) {
	exp, err := c.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != models.StatusRunning && exp.Status != models.StatusPaused {
		return nil, errors.NewLifecycleError("stop", string(exp.Status))
	}
	if winnerID != "" && exp.Variant(winnerID) == nil {
		return nil, errors.NewNotFoundError(errors.ErrVariantNotFound, winnerID)
	}

	res, err := c.aggregate(ctx, exp, c.aggregator)
	if err != nil {
		return nil, err
	}
	if winnerID == "" {
		winnerID = SelectWinner(res)
	}

	stopped, err := c.complete(ctx, exp, exp.Status, models.StopManual, winnerID, res)
	if err != nil {
		return nil, err
	}
	if !stopped {
		current, err := c.store.GetExperiment(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, errors.NewLifecycleError("stop", string(current.Status))
	}
	return c.store.GetExperiment(ctx, id)
}

// transition performs one compare-and-swap and returns the stored result.
// A lost race is reported against the status that won it.
func (c *Controller) transition(ctx context.Context, exp *models.Experiment, action string, from, to models.ExperimentStatus, update interfaces.StatusUpdate) (*models.Experiment, error) {
	if exp.Status != from {
		return nil, errors.NewLifecycleError(action, string(exp.Status))
	}

	swapped, err := c.store.CompareAndSwapStatus(ctx, exp.ID, from, to, update)
	if err != nil {
		return nil, err
	}

	updated, err := c.store.GetExperiment(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, errors.NewLifecycleError(action, string(updated.Status))
	}

	c.metrics.RecordTransition(string(from), string(to))
	c.logger.WithFields(logrus.Fields{
		"experiment_id": exp.ID,
		"from":          from,
		"to":            to,
	}).Info("Experiment transitioned")

	return updated, nil
}

// complete moves an experiment into completed exactly once. It reports
// false when another caller already moved it out of from.
func (c *Controller) complete(ctx context.Context, exp *models.Experiment, from models.ExperimentStatus, reason models.StopReason, winnerID string, res *models.ExperimentResults) (bool, error) {
	now := c.clock.Now()
	swapped, err := c.store.CompareAndSwapStatus(ctx, exp.ID, from, models.StatusCompleted, interfaces.StatusUpdate{
		EndTime:         &now,
		WinnerVariantID: winnerID,
		UpdatedAt:       now,
	})
	if err != nil || !swapped {
		return false, err
	}

	c.metrics.RecordTransition(string(from), string(models.StatusCompleted))
	if reason != models.StopManual {
		c.metrics.RecordAutoStop(string(reason))
	}
	c.invalidate(ctx, exp.ID)

	c.logger.WithFields(logrus.Fields{
		"experiment_id": exp.ID,
		"reason":        reason,
		"winner":        winnerID,
	}).Info("Experiment completed")

	c.publish(ctx, &models.LifecycleEvent{
		Type:         models.EventExperimentStopped,
		ExperimentID: exp.ID,
		Reason:       reason,
	})
	if winnerID != "" {
		c.publish(ctx, &models.LifecycleEvent{
			Type:         models.EventWinnerDeclared,
			ExperimentID: exp.ID,
			VariantID:    winnerID,
			Reason:       reason,
		})
	}

	if res != nil {
		if err := c.store.SaveResults(ctx, res); err != nil {
			c.logger.WithError(err).WithField("experiment_id", exp.ID).Error("Failed to save final results")
		}
		final := exp.Clone()
		final.Status = models.StatusCompleted
		final.EndTime = &now
		final.WinnerVariantID = winnerID
		c.record(ctx, "archive", c.archive, final, res)
	}
	return true, nil
}

func (c *Controller) invalidate(ctx context.Context, id string) {
	if err := c.cache.Invalidate(ctx, id); err != nil {
		c.logger.WithError(err).WithField("experiment_id", id).Warn("Failed to invalidate cached experiment")
	}
}

// activeExperiment reads a running experiment through the cache
func (c *Controller) activeExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	if exp, ok := c.cache.Get(ctx, id); ok && exp.Status == models.StatusRunning {
		return exp, nil
	}

	exp, err := c.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status == models.StatusRunning {
		if err := c.cache.Put(ctx, exp); err != nil {
			c.logger.WithError(err).WithField("experiment_id", id).Debug("Failed to cache running experiment")
		}
	}
	return exp, nil
}

func isNotFound(err error) bool {
	return stderrors.Is(err, errors.ErrExperimentNotFound) ||
		stderrors.Is(err, errors.ErrAssignmentNotFound) ||
		stderrors.Is(err, errors.ErrVariantNotFound)
}
