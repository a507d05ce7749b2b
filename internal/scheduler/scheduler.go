package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inferloop/splitlab/pkg/constants"
	"github.com/inferloop/splitlab/pkg/models"
)

// cronParser supports both standard (5-field) and extended (6-field with
// seconds) cron expressions as well as descriptors like @every 15m.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Sweeper applies the duration stop rule to running experiments
type Sweeper interface {
	ListRunning(ctx context.Context) ([]*models.Experiment, error)
	SweepExpired(ctx context.Context, exp *models.Experiment) (bool, error)
}

// Config controls the periodic duration sweep
type Config struct {
	Enabled     bool   `mapstructure:"enabled"`
	Schedule    string `mapstructure:"schedule"`
	Concurrency int    `mapstructure:"concurrency"`
}

// DefaultConfig returns the default sweep configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Schedule:    constants.DefaultSweepSchedule,
		Concurrency: constants.DefaultSweepConcurrency,
	}
}

// Report summarizes one sweep
type Report struct {
	Checked  int           `json:"checked"`
	Stopped  int           `json:"stopped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Scheduler runs the duration sweep on a cron schedule so experiments that
// stop receiving conversions still complete.
type Scheduler struct {
	config  Config
	sweeper Sweeper
	logger  *logrus.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewScheduler validates the schedule and creates a stopped scheduler
func NewScheduler(config Config, sweeper Sweeper, logger *logrus.Logger) (*Scheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("scheduler requires a sweeper")
	}
	if logger == nil {
		logger = logrus.New()
	}
	config.Schedule = strings.TrimSpace(config.Schedule)
	if config.Schedule == "" {
		config.Schedule = constants.DefaultSweepSchedule
	}
	if config.Concurrency <= 0 {
		config.Concurrency = constants.DefaultSweepConcurrency
	}
	if _, err := cronParser.Parse(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.Schedule, err)
	}

	return &Scheduler{
		config:  config,
		sweeper: sweeper,
		logger:  logger,
	}, nil
}

// Start registers the sweep job and starts the cron loop. Overlapping runs
// are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cron.PrintfLogger(s.logger)
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.config.Schedule, func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.logger.WithError(err).Error("Duration sweep failed")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true

	s.logger.WithFields(logrus.Fields{
		"schedule":    s.config.Schedule,
		"concurrency": s.config.Concurrency,
	}).Info("Duration sweep scheduled")
	return nil
}

// Stop halts the cron loop and waits for a running sweep, bounded by ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	done := s.cron.Stop()
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	select {
	case <-done.Done():
		cancel()
		s.logger.Info("Duration sweep stopped")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// RunOnce sweeps every running experiment, evaluating up to Concurrency of
// them at a time. A failure on one experiment does not abort the others.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()

	exps, err := s.sweeper.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list running experiments: %w", err)
	}

	var stopped, failed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, exp := range exps {
		exp := exp
		g.Go(func() error {
			ok, err := s.sweeper.SweepExpired(gctx, exp)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				s.logger.WithError(err).WithField("experiment_id", exp.ID).Warn("Failed to sweep experiment")
				return nil
			}
			if ok {
				atomic.AddInt64(&stopped, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		Checked:  len(exps),
		Stopped:  int(stopped),
		Failed:   int(failed),
		Duration: time.Since(start),
	}

	entry := s.logger.WithFields(logrus.Fields{
		"checked":  report.Checked,
		"stopped":  report.Stopped,
		"failed":   report.Failed,
		"duration": report.Duration,
	})
	if report.Stopped > 0 || report.Failed > 0 {
		entry.Info("Duration sweep completed")
	} else {
		entry.Debug("Duration sweep completed")
	}
	return report, nil
}
