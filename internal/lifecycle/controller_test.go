package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/splitlab/internal/stats/bayesian"
	"github.com/inferloop/splitlab/internal/storage/implementations/memory"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/interfaces"
	"github.com/inferloop/splitlab/pkg/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []*models.LifecycleEvent
}

func (r *recordingEvents) Publish(ctx context.Context, e *models.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEvents) ofType(t models.EventType) []*models.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.LifecycleEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingSink struct {
	mu      sync.Mutex
	records []*models.ExperimentResults
}

func (s *recordingSink) Record(ctx context.Context, exp *models.Experiment, res *models.ExperimentResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, res)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// flakyStore fails assignment writes
type flakyStore struct {
	*memory.MemoryStorage
}

func (f *flakyStore) CreateAssignment(ctx context.Context, a *models.Assignment) (*models.Assignment, bool, error) {
	return nil, false, errors.WrapStorageError(errors.ErrStorageTimeout, "create_assignment", "memory")
}

type fixture struct {
	ctrl    *Controller
	store   *memory.MemoryStorage
	events  *recordingEvents
	history *recordingSink
	archive *recordingSink
	clock   *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewMemoryStorage(logrus.New())
	require.NoError(t, store.Connect(context.Background()))

	f := &fixture{
		store:   store,
		events:  &recordingEvents{},
		history: &recordingSink{},
		archive: &recordingSink{},
		clock:   &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}

	ctrl, err := NewController(Options{
		Store:    store,
		Events:   f.events,
		History:  []interfaces.ResultsSink{f.history},
		Archive:  []interfaces.ResultsSink{f.archive},
		Clock:    f.clock,
		Bayesian: bayesian.NewAnalyzer(bayesian.Config{Draws: 10000, Seed: 11}, nil),
		Logger:   logrus.New(),
	})
	require.NoError(t, err)
	f.ctrl = ctrl
	return f
}

func checkoutExperiment() *models.Experiment {
	return &models.Experiment{
		ID:                "exp-checkout",
		Name:              "Checkout button",
		TargetPopulation:  "checkout",
		TrafficAllocation: 100,
		ConfidenceLevel:   95,
		MinimumSampleSize: 5000,
		Variants: []*models.Variant{
			{ID: "control", Name: "Blue", TrafficSplit: 50, IsControl: true},
			{ID: "treatment", Name: "Green", TrafficSplit: 50},
		},
		Metrics: []*models.Metric{
			{Name: "purchase", Type: models.MetricConversion, Primary: true},
		},
	}
}

func (f *fixture) running(t *testing.T, exp *models.Experiment) *models.Experiment {
	t.Helper()
	ctx := context.Background()
	created, err := f.ctrl.CreateExperiment(ctx, exp)
	require.NoError(t, err)
	started, err := f.ctrl.StartExperiment(ctx, created.ID)
	require.NoError(t, err)
	return started
}

// assignMany assigns n subjects and groups their ids by variant
func (f *fixture) assignMany(t *testing.T, expID string, n int) map[string][]string {
	t.Helper()
	byVariant := make(map[string][]string)
	for i := 0; i < n; i++ {
		subject := fmt.Sprintf("visitor-%d", i)
		a, err := f.ctrl.AssignSubject(context.Background(), expID, subject)
		require.NoError(t, err)
		require.NotNil(t, a)
		byVariant[a.VariantID] = append(byVariant[a.VariantID], subject)
	}
	return byVariant
}

func TestCreateExperimentNormalizesSplits(t *testing.T) {
	f := newFixture(t)

	exp := checkoutExperiment()
	exp.ID = ""
	exp.Variants = []*models.Variant{
		{Name: "A", TrafficSplit: 40, IsControl: true},
		{Name: "B", TrafficSplit: 40},
		{Name: "C", TrafficSplit: 10},
	}

	created, err := f.ctrl.CreateExperiment(context.Background(), exp)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.StatusDraft, created.Status)
	sum := 0.0
	for _, v := range created.Variants {
		assert.NotEmpty(t, v.ID)
		assert.Equal(t, created.ID, v.ExperimentID)
		sum += v.TrafficSplit
	}
	assert.Equal(t, 100.0, sum)

	// caller's copy is untouched
	assert.Equal(t, 40.0, exp.Variants[0].TrafficSplit)
	assert.Len(t, f.events.ofType(models.EventExperimentCreated), 1)
}

func TestCreateExperimentDefaults(t *testing.T) {
	f := newFixture(t)

	exp := checkoutExperiment()
	exp.TrafficAllocation = 0
	exp.ConfidenceLevel = 0
	exp.MinimumSampleSize = 0

	created, err := f.ctrl.CreateExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.Equal(t, 100.0, created.TrafficAllocation)
	assert.Equal(t, 95.0, created.ConfidenceLevel)
	assert.Equal(t, int64(100), created.MinimumSampleSize)
	assert.Equal(t, models.DirectionIncrease, created.Metrics[0].Direction)
}

func TestCreateExperimentValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Experiment)
		code   string
	}{
		{"single variant", func(e *models.Experiment) { e.Variants = e.Variants[:1] }, errors.CodeVariantCount},
		{"no control", func(e *models.Experiment) { e.Variants[0].IsControl = false }, errors.CodeControlCount},
		{"two controls", func(e *models.Experiment) { e.Variants[1].IsControl = true }, errors.CodeControlCount},
		{"no metrics", func(e *models.Experiment) { e.Metrics = nil }, errors.CodeNoMetrics},
		{"no primary metric", func(e *models.Experiment) { e.Metrics[0].Primary = false }, errors.CodeNoPrimaryMetric},
		{"allocation too large", func(e *models.Experiment) { e.TrafficAllocation = 150 }, errors.CodeOutOfRange},
		{"allocation below one", func(e *models.Experiment) { e.TrafficAllocation = 0.5 }, errors.CodeOutOfRange},
		{"negative split", func(e *models.Experiment) { e.Variants[1].TrafficSplit = -10 }, errors.CodeOutOfRange},
		{"duplicate variant", func(e *models.Experiment) { e.Variants[1].ID = "control" }, errors.CodeDuplicateVariant},
		{"unknown metric type", func(e *models.Experiment) { e.Metrics[0].Type = "bounce" }, errors.CodeInvalidMetricType},
		{"all zero splits", func(e *models.Experiment) {
			e.Variants[0].TrafficSplit = 0
			e.Variants[1].TrafficSplit = 0
		}, errors.CodeSplitMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			exp := checkoutExperiment()
			tt.mutate(exp)

			_, err := f.ctrl.CreateExperiment(context.Background(), exp)
			require.Error(t, err)

			var ve *errors.ValidationErrors
			require.True(t, stderrors.As(err, &ve))
			assert.True(t, ve.HasCode(tt.code), "expected %s in %v", tt.code, ve.Errors)
			assert.Equal(t, 400, errors.HTTPStatus(err))
		})
	}
}

func TestStartExperiment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.ctrl.CreateExperiment(ctx, checkoutExperiment())
	require.NoError(t, err)

	started, err := f.ctrl.StartExperiment(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)
	require.NotNil(t, started.StartTime)
	assert.Equal(t, f.clock.Now(), *started.StartTime)

	_, err = f.ctrl.StartExperiment(ctx, created.ID)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeInvalidTransition, appErr.Code)
	assert.Equal(t, "running", appErr.Context["status"])
	assert.Equal(t, 409, errors.HTTPStatus(err))

	_, err = f.ctrl.StartExperiment(ctx, "missing")
	assert.True(t, stderrors.Is(err, errors.ErrExperimentNotFound))
}

func TestStartRequiresReadiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a draft written around the controller
	exp := checkoutExperiment()
	exp.ID = "raw-draft"
	exp.Status = models.StatusDraft
	exp.Metrics[0].Primary = false
	require.NoError(t, f.store.CreateExperiment(ctx, exp))

	_, err := f.ctrl.StartExperiment(ctx, "raw-draft")
	var ve *errors.ValidationErrors
	require.True(t, stderrors.As(err, &ve))
	assert.True(t, ve.HasCode(errors.CodeNoPrimaryMetric))

	stored, err := f.store.GetExperiment(ctx, "raw-draft")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, stored.Status)
}

func TestAssignSubjectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.running(t, checkoutExperiment())

	first, err := f.ctrl.AssignSubject(ctx, exp.ID, "user-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	for i := 0; i < 5; i++ {
		again, err := f.ctrl.AssignSubject(ctx, exp.ID, "user-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, first.VariantID, again.VariantID)
	}

	stored, err := f.store.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Variant(first.VariantID).Sessions)

	count, err := f.store.CountAssignments(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAssignSubjectConcurrent(t *testing.T) {
	f := newFixture(t)
	exp := f.running(t, checkoutExperiment())

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := f.ctrl.AssignSubject(context.Background(), exp.ID, "shared-subject")
			assert.NoError(t, err)
			if a != nil {
				ids <- a.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	stored, err := f.store.GetExperiment(context.Background(), exp.ID)
	require.NoError(t, err)
	total := int64(0)
	for _, v := range stored.Variants {
		total += v.Sessions
	}
	assert.Equal(t, int64(1), total)
}

func TestAssignSubjectWithoutAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.ctrl.CreateExperiment(ctx, checkoutExperiment())
	require.NoError(t, err)

	a, err := f.ctrl.AssignSubject(ctx, draft.ID, "user-1")
	assert.NoError(t, err)
	assert.Nil(t, a)

	_, err = f.ctrl.AssignSubject(ctx, "nope", "user-1")
	assert.True(t, stderrors.Is(err, errors.ErrExperimentNotFound))

	_, err = f.ctrl.AssignSubject(ctx, draft.ID, "")
	assert.Error(t, err)
}

func TestAssignSubjectRespectsAllocation(t *testing.T) {
	f := newFixture(t)
	exp := checkoutExperiment()
	exp.ID = "exp-allocation"
	exp.TrafficAllocation = 20
	running := f.running(t, exp)

	assigned := 0
	for i := 0; i < 2000; i++ {
		a, err := f.ctrl.AssignSubject(context.Background(), running.ID, fmt.Sprintf("s-%d", i))
		require.NoError(t, err)
		if a != nil {
			assigned++
		}
	}
	assert.InDelta(t, 400, assigned, 80)
}

func TestAssignSubjectDegradesOnStoreFailure(t *testing.T) {
	store := &flakyStore{MemoryStorage: memory.NewMemoryStorage(nil)}
	ctrl, err := NewController(Options{Store: store})
	require.NoError(t, err)
	ctx := context.Background()

	exp, err := ctrl.CreateExperiment(ctx, checkoutExperiment())
	require.NoError(t, err)
	_, err = ctrl.StartExperiment(ctx, exp.ID)
	require.NoError(t, err)

	a, err := ctrl.AssignSubject(ctx, exp.ID, "user-1")
	assert.NoError(t, err)
	assert.Nil(t, a)
}

func TestRecordConversionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.running(t, checkoutExperiment())

	a, err := f.ctrl.AssignSubject(ctx, exp.ID, "user-7")
	require.NoError(t, err)

	value := 19.99
	for i := 0; i < 3; i++ {
		converted, err := f.ctrl.RecordConversion(ctx, exp.ID, "user-7", &value, map[string]float64{"time_on_page": 42})
		require.NoError(t, err)
		assert.True(t, converted.Converted)
	}

	stored, err := f.store.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Variant(a.VariantID).Conversions)

	assignment, err := f.store.GetAssignment(ctx, "user-7", exp.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment.ConversionValue)
	assert.Equal(t, 19.99, *assignment.ConversionValue)
	assert.Equal(t, 42.0, assignment.SessionMetrics["time_on_page"])

	_, err = f.ctrl.RecordConversion(ctx, exp.ID, "never-assigned", nil, nil)
	assert.True(t, stderrors.Is(err, errors.ErrAssignmentNotFound))
}

func TestAutoStopExactlyOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.running(t, checkoutExperiment())

	byVariant := f.assignMany(t, exp.ID, 2000)
	require.GreaterOrEqual(t, len(byVariant["treatment"]), 50)
	require.GreaterOrEqual(t, len(byVariant["control"]), 2)

	for _, subject := range byVariant["control"][:2] {
		_, err := f.ctrl.RecordConversion(ctx, exp.ID, subject, nil, nil)
		require.NoError(t, err)
	}
	require.Empty(t, f.events.ofType(models.EventExperimentStopped))

	var wg sync.WaitGroup
	for _, subject := range byVariant["treatment"][:50] {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			_, err := f.ctrl.RecordConversion(ctx, exp.ID, subject, nil, nil)
			if err != nil {
				assert.True(t, stderrors.Is(err, errors.ErrExperimentNotActive), err)
			}
		}(subject)
	}
	wg.Wait()

	stops := f.events.ofType(models.EventExperimentStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, models.StopSignificance, stops[0].Reason)

	stored, err := f.store.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, "treatment", stored.WinnerVariantID)
	require.NotNil(t, stored.EndTime)

	assert.Len(t, f.events.ofType(models.EventWinnerDeclared), 1)
	assert.Equal(t, 1, f.archive.count())

	// completed experiments hand out no assignments
	a, err := f.ctrl.AssignSubject(ctx, exp.ID, "late-visitor")
	assert.NoError(t, err)
	assert.Nil(t, a)
}

func TestAutoStopOnMaxDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.running(t, checkoutExperiment())

	byVariant := f.assignMany(t, exp.ID, 100)
	f.clock.Advance(31 * 24 * time.Hour)

	_, err := f.ctrl.RecordConversion(ctx, exp.ID, byVariant["control"][0], nil, nil)
	require.NoError(t, err)

	stops := f.events.ofType(models.EventExperimentStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, models.StopMaxDuration, stops[0].Reason)

	stored, err := f.store.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Empty(t, stored.WinnerVariantID)
}

func TestAutoStopOnBayesianDeploy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := checkoutExperiment()
	exp.MinimumSampleSize = 500
	running := f.running(t, exp)

	// 100/1000 control against 125/1000 treatment: p is about 0.077, but
	// the treatment wins in about 96% of posterior draws.
	seed := func(variantID string, n, conv int) {
		for i := 0; i < n; i++ {
			subject := fmt.Sprintf("%s-%d", variantID, i)
			_, _, err := f.store.CreateAssignment(ctx, &models.Assignment{
				ID: subject, SubjectID: subject, ExperimentID: running.ID, VariantID: variantID, AssignedAt: f.clock.Now(),
			})
			require.NoError(t, err)
			if i < conv {
				_, _, err := f.store.MarkConverted(ctx, subject, running.ID, nil, nil, f.clock.Now())
				require.NoError(t, err)
			}
		}
	}
	seed("control", 1000, 100)
	seed("treatment", 1000, 124)

	_, err := f.ctrl.RecordConversion(ctx, running.ID, "treatment-124", nil, nil)
	require.NoError(t, err)

	stops := f.events.ofType(models.EventExperimentStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, models.StopBayesian, stops[0].Reason)

	stored, err := f.store.GetExperiment(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, "treatment", stored.WinnerVariantID)
}

func TestStopExperiment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.running(t, checkoutExperiment())

	_, err := f.ctrl.StopExperiment(ctx, exp.ID, "ghost")
	assert.True(t, stderrors.Is(err, errors.ErrVariantNotFound))

	stopped, err := f.ctrl.StopExperiment(ctx, exp.ID, "treatment")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stopped.Status)
	assert.Equal(t, "treatment", stopped.WinnerVariantID)

	stops := f.events.ofType(models.EventExperimentStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, models.StopManual, stops[0].Reason)

	// the winner is fixed once completed
	_, err = f.ctrl.StopExperiment(ctx, exp.ID, "control")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))

	_, err = f.ctrl.CancelExperiment(ctx, exp.ID)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))
}

func TestPauseResumeCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.running(t, checkoutExperiment())
	startedAt := *exp.StartTime

	paused, err := f.ctrl.PauseExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, paused.Status)

	a, err := f.ctrl.AssignSubject(ctx, exp.ID, "user-1")
	assert.NoError(t, err)
	assert.Nil(t, a)

	_, err = f.ctrl.RecordConversion(ctx, exp.ID, "user-1", nil, nil)
	assert.True(t, stderrors.Is(err, errors.ErrExperimentNotActive))

	_, err = f.ctrl.PauseExperiment(ctx, exp.ID)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))

	f.clock.Advance(time.Hour)
	resumed, err := f.ctrl.ResumeExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resumed.Status)
	assert.Equal(t, startedAt, *resumed.StartTime)

	a, err = f.ctrl.AssignSubject(ctx, exp.ID, "user-1")
	require.NoError(t, err)
	assert.NotNil(t, a)

	cancelled, err := f.ctrl.CancelExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.Empty(t, cancelled.WinnerVariantID)

	_, err = f.ctrl.ResumeExperiment(ctx, exp.ID)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))
}

func TestComputeResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.running(t, checkoutExperiment())

	byVariant := f.assignMany(t, exp.ID, 200)
	_, err := f.ctrl.RecordConversion(ctx, exp.ID, byVariant["treatment"][0], nil, nil)
	require.NoError(t, err)

	res, err := f.ctrl.ComputeResults(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.TotalSessions)
	assert.Equal(t, int64(1), res.TotalConversions)
	require.NotNil(t, res.Variant("treatment").Bayesian)
	assert.Nil(t, res.Control().Bayesian)

	saved, err := f.store.GetLatestResults(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, res, saved)
	assert.Equal(t, 1, f.history.count())

	_, err = f.ctrl.ComputeResults(ctx, "missing")
	assert.True(t, stderrors.Is(err, errors.ErrExperimentNotFound))
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := f.running(t, checkoutExperiment())

	stopped, err := f.ctrl.SweepExpired(ctx, exp)
	require.NoError(t, err)
	assert.False(t, stopped)

	f.clock.Advance(40 * 24 * time.Hour)
	stopped, err = f.ctrl.SweepExpired(ctx, exp)
	require.NoError(t, err)
	assert.True(t, stopped)

	// a second sweep over the stale copy loses the swap
	stopped, err = f.ctrl.SweepExpired(ctx, exp)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Len(t, f.events.ofType(models.EventExperimentStopped), 1)
}

func TestSelectWinner(t *testing.T) {
	sig := func(significant bool) *models.StatisticalSignificance {
		return &models.StatisticalSignificance{IsSignificant: significant}
	}
	res := &models.ExperimentResults{Variants: []*models.VariantResult{
		{VariantID: "control", IsControl: true, ConversionRate: 5},
		{VariantID: "a", ConversionRate: 9, ImprovementOverControl: 80, Significance: sig(false)},
		{VariantID: "b", ConversionRate: 7, ImprovementOverControl: 40, Significance: sig(true)},
		{VariantID: "c", ConversionRate: 6, ImprovementOverControl: 20, Significance: sig(true)},
		{VariantID: "d", ConversionRate: 2, ImprovementOverControl: -60, Significance: sig(true)},
	}}
	assert.Equal(t, "b", SelectWinner(res))

	res.Variants = res.Variants[:2]
	assert.Empty(t, SelectWinner(res))
}

func TestNewControllerRequiresStore(t *testing.T) {
	_, err := NewController(Options{})
	assert.Error(t, err)
}

type failingSink struct {
	done chan struct{}
}

func (s *failingSink) Record(ctx context.Context, exp *models.Experiment, res *models.ExperimentResults) error {
	defer close(s.done)
	return stderrors.New("bucket unavailable")
}

// slowSink finishes its write only after the failing sink has returned
type slowSink struct {
	after <-chan struct{}
	err   error
}

func (s *slowSink) Record(ctx context.Context, exp *models.Experiment, res *models.ExperimentResults) error {
	<-s.after
	time.Sleep(20 * time.Millisecond)
	s.err = ctx.Err()
	return s.err
}

func TestRecordSinksFailIndependently(t *testing.T) {
	f := newFixture(t)

	failing := &failingSink{done: make(chan struct{})}
	slow := &slowSink{after: failing.done}

	exp := checkoutExperiment()
	f.ctrl.record(context.Background(), "archive", []interfaces.ResultsSink{failing, slow}, exp, &models.ExperimentResults{ExperimentID: exp.ID})

	assert.NoError(t, slow.err)
}
